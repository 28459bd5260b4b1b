package models

// ActionKind names one variant of the Action sum type.
type ActionKind string

const (
	ActionTap         ActionKind = "tap"
	ActionSwipe       ActionKind = "swipe"
	ActionTypeText    ActionKind = "type_text"
	ActionLike        ActionKind = "like"
	ActionComment     ActionKind = "comment"
	ActionFollow      ActionKind = "follow"
	ActionSendMessage ActionKind = "send_message"
	ActionScroll      ActionKind = "scroll"
	ActionBack        ActionKind = "back"
	ActionHome        ActionKind = "home"
	ActionLaunchApp   ActionKind = "launch_app"
)

// NeedsSelector reports whether the action must be declared by the app
// profile before it can be dispatched.
func (k ActionKind) NeedsSelector() bool {
	switch k {
	case ActionTap, ActionSwipe, ActionBack, ActionHome, ActionLaunchApp:
		return false
	}
	return true
}

// Pointer reports whether the action is dispatched as pointer motion.
func (k ActionKind) Pointer() bool {
	return k == ActionTap || k == ActionSwipe
}

type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Action is a closed set of device actions. Only the variants declared in
// this file implement it.
type Action interface {
	Kind() ActionKind
	sealed()
}

type Tap struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type Swipe struct {
	From Point `json:"from"`
	To   Point `json:"to"`
}

type TypeText struct {
	Value string `json:"value"`
}

type Like struct {
	Target string `json:"target"`
}

type Comment struct {
	Target string `json:"target"`
	Text   string `json:"text"`
}

type Follow struct {
	Target string `json:"target"`
}

type SendMessage struct {
	Target string `json:"target"`
	Text   string `json:"text"`
}

type Scroll struct {
	Direction string `json:"direction"` // up, down, left, right
}

type Back struct{}

type Home struct{}

// LaunchApp starts the app profile's entry activity.
type LaunchApp struct{}

func (Tap) Kind() ActionKind         { return ActionTap }
func (Swipe) Kind() ActionKind       { return ActionSwipe }
func (TypeText) Kind() ActionKind    { return ActionTypeText }
func (Like) Kind() ActionKind        { return ActionLike }
func (Comment) Kind() ActionKind     { return ActionComment }
func (Follow) Kind() ActionKind      { return ActionFollow }
func (SendMessage) Kind() ActionKind { return ActionSendMessage }
func (Scroll) Kind() ActionKind      { return ActionScroll }
func (Back) Kind() ActionKind        { return ActionBack }
func (Home) Kind() ActionKind        { return ActionHome }
func (LaunchApp) Kind() ActionKind   { return ActionLaunchApp }

func (Tap) sealed()         {}
func (Swipe) sealed()       {}
func (TypeText) sealed()    {}
func (Like) sealed()        {}
func (Comment) sealed()     {}
func (Follow) sealed()      {}
func (SendMessage) sealed() {}
func (Scroll) sealed()      {}
func (Back) sealed()        {}
func (Home) sealed()        {}
func (LaunchApp) sealed()   {}

// TargetOf returns the target locator carried by social actions.
func TargetOf(a Action) string {
	switch v := a.(type) {
	case Like:
		return v.Target
	case Comment:
		return v.Target
	case Follow:
		return v.Target
	case SendMessage:
		return v.Target
	}
	return ""
}
