package api

// Collections the event app keeps in a store. The service accepts any
// collection name; these are offered for shell completion.
const (
	CollectionEvents           = "events"
	CollectionUsers            = "users"
	CollectionWaitlist         = "waitlist"
	CollectionRegistrations    = "registrations"
	CollectionInvites          = "invites"
	CollectionNotificationLogs = "notification_logs"
)

var Collections = []string{
	CollectionEvents,
	CollectionUsers,
	CollectionWaitlist,
	CollectionRegistrations,
	CollectionInvites,
	CollectionNotificationLogs,
}
