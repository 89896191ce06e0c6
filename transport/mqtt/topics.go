// Package mqtt carries framed envelopes through an MQTT broker.
//
// Every client owns a random ID and three topics under its service:
//
//	anyrpc/<service>/call/<clientID>   fan-out calls, every server receives them
//	anyrpc/<service>/any/<clientID>    single calls, one server of the shared group receives them
//	anyrpc/<service>/reply/<clientID>  responses, only the calling client receives them
//
// Servers subscribe to the call and any topics with a "+" wildcard and learn
// where to reply from the last topic segment. Since a broker does not say how
// many servers are subscribed, the client is told how many responders a
// fan-out round has.
package mqtt

import "strings"

const topicRoot = "anyrpc/"

func callTopic(service, clientID string) string {
	return topicRoot + service + "/call/" + clientID
}

func anyTopic(service, clientID string) string {
	return topicRoot + service + "/any/" + clientID
}

func replyTopic(service, clientID string) string {
	return topicRoot + service + "/reply/" + clientID
}

// sharedAnyTopic is the shared subscription of all servers of a service, so
// the broker hands each single call to exactly one of them.
func sharedAnyTopic(service string) string {
	return "$share/anyrpc-" + service + "/" + anyTopic(service, "+")
}

func extractTopicID(topic string) string {
	parts := strings.Split(topic, "/")
	return parts[len(parts)-1]
}
