package push

// DeliveryContext is the application state at the moment a notification arrives.
// It is a closed set: only the four variants below implement it.
type DeliveryContext interface {
	Accept(v ContextVisitor)
	String() string
	sealed()
}

// ContextVisitor must handle every DeliveryContext variant. Adding a variant
// adds a method here, so every router stops compiling until it handles it.
type ContextVisitor interface {
	VisitForeground(Foreground)
	VisitBackground(Background)
	VisitTerminated(Terminated)
	VisitUserTapped(UserTapped)
}

// Foreground: the app is active when the event arrives.
type Foreground struct{}

// Background: the app is suspended or running in the background.
type Background struct{}

// Terminated: the app was not running and is woken for the delivery.
type Terminated struct{}

// UserTapped: the user interacted with a delivered notification.
type UserTapped struct {
	ActionID string
}

func (Foreground) Accept(v ContextVisitor) { v.VisitForeground(Foreground{}) }
func (Background) Accept(v ContextVisitor) { v.VisitBackground(Background{}) }
func (Terminated) Accept(v ContextVisitor) { v.VisitTerminated(Terminated{}) }
func (u UserTapped) Accept(v ContextVisitor) { v.VisitUserTapped(u) }

func (Foreground) String() string { return "foreground" }
func (Background) String() string { return "background" }
func (Terminated) String() string { return "terminated" }
func (UserTapped) String() string { return "user_tapped" }

func (Foreground) sealed() {}
func (Background) sealed() {}
func (Terminated) sealed() {}
func (UserTapped) sealed() {}

// AppState is what the host reports alongside a remote notification.
type AppState string

const (
	AppActive     AppState = "active"
	AppBackground AppState = "background"
	AppTerminated AppState = "terminated"
)

// ContextForAppState maps the host-reported state of a remote notification to a delivery context.
// Unknown states are treated as background, which keeps the fetch contract intact.
func ContextForAppState(s AppState) DeliveryContext {
	switch s {
	case AppActive:
		return Foreground{}
	case AppTerminated:
		return Terminated{}
	default:
		return Background{}
	}
}
