package webcontent

// LabelTrusted marks an observable as trusted. It is the only state label
// this package writes.
const LabelTrusted = "trusted web content"

// Deprecated labels. They are still honoured when resolving status and are
// removed whenever a transition touches the observable, but never written.
const (
	LabelAllowlisted = "allowlisted domain"
	LabelBlocklisted = "blocklisted domain"
)

var (
	legacyLabels = []string{LabelAllowlisted, LabelBlocklisted}
	stateLabels  = []string{LabelTrusted, LabelAllowlisted, LabelBlocklisted}
)
