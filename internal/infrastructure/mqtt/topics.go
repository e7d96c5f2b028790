package mqtt

import "fmt"

// Topic prefixes. Bridge and state topics are built by the bridge packages;
// this package only owns the service status topics.
const (
	// TopicPrefix is the root of every Gray Logic topic.
	TopicPrefix = "graylogic"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = TopicPrefix + "/system"
)

// Topics provides builders for the system topics published by the client.
type Topics struct{}

// SystemStatus returns the shared system status topic.
//
// Example: graylogic/system/status
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// ServiceStatus returns the retained status topic of one client. The
// client's Last Will is published here.
//
// Example: graylogic/system/status/graylogic-insteon
func (Topics) ServiceStatus(clientID string) string {
	return fmt.Sprintf("%s/status/%s", TopicPrefixSystem, clientID)
}

// AllServiceStatuses returns a wildcard for every client's status.
//
// Example: graylogic/system/status/+
func (Topics) AllServiceStatuses() string {
	return TopicPrefixSystem + "/status/+"
}
