package protocol

import "fmt"

// Event sources; each publishes on its own subject.
const (
	SourceSync     = "sync"
	SourceRules    = "rules"
	SourceAccounts = "accounts"
	SourceGateway  = "gateway"
	SourceDaemon   = "daemon"
)

// SubjectAllEvents matches every hub event.
const SubjectAllEvents = "calhub.events.>"

// SubjectEvents returns the subject events from source are published on.
func SubjectEvents(source string) string {
	return fmt.Sprintf("calhub.events.%s", source)
}
