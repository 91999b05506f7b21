package domain

// RegisteredFeed is the durable record written on successful registration.
// The reconciler treats it as the source of truth for which feeds should
// be active.
type RegisteredFeed struct {
	Source       string
	URL          string
	DatasetURL   string
	InitialState *FeedState
}
