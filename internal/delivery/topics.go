package delivery

import (
	"fmt"
	"strings"
)

// Channel topology. Logical channel names follow spec.md's
// "messages:user:{uid}" form; rendered as slash-separated MQTT topics so a
// single wildcard subscription ("messages/user/+") covers every user
// instead of one subscription per connected user.
const (
	classMessages = "messages"
	classReceipts = "receipts"
	classTyping   = "typing"
	classPresence = "presence"
	classCalls    = "calls"
	classICE      = "ice"
)

// subscribeTopics is the fixed wildcard set this instance subscribes to on
// connect; onMQTTMessage drops anything not addressed to a locally-registered
// session.
var subscribeTopics = []string{
	"messages/user/+",
	"receipts/user/+",
	"typing/+",
	"presence/updates",
	"calls/+",
	"ice/+",
}

func userMessagesTopic(userID string) string    { return fmt.Sprintf("messages/user/%s", userID) }
func userReceiptsTopic(userID string) string    { return fmt.Sprintf("receipts/user/%s", userID) }
func typingTopic(conversationID string) string  { return fmt.Sprintf("typing/%s", conversationID) }
func presenceTopic() string                     { return "presence/updates" }
func callTopic(conversationID string) string    { return fmt.Sprintf("calls/%s", conversationID) }
func iceTopic(callID string) string             { return fmt.Sprintf("ice/%s", callID) }

// SubscribeTopics returns the comma-separated topic filter list this
// instance needs on its mqttclient.Connect call.
func SubscribeTopics() string {
	return strings.Join(subscribeTopics, ",")
}

func userFromTopicSuffix(topic, prefix string) (string, bool) {
	if len(topic) <= len(prefix) || topic[:len(prefix)] != prefix {
		return "", false
	}
	return topic[len(prefix):], true
}
