package domain

import "strings"

// Theme classifies a task. Unknown values normalize to ThemeOther.
type Theme string

const (
	ThemeFood       Theme = "FOOD"
	ThemePole       Theme = "POLE"
	ThemeTransport  Theme = "TRANSPORT"
	ThemeFun        Theme = "FUN"
	ThemeDemoniaque Theme = "DEMONIAQUE"
	ThemeOther      Theme = "OTHER"
)

// legacy display labels still accepted on input.
var themeLabels = map[string]Theme{
	"allo nourriture": ThemeFood,
	"allo pôle":       ThemePole,
	"allo pole":       ThemePole,
	"allo transport":  ThemeTransport,
	"allo fun":        ThemeFun,
	"allo démoniaque": ThemeDemoniaque,
	"allo demoniaque": ThemeDemoniaque,
	"autres allo":     ThemeOther,
}

// ParseTheme maps a code or a legacy label to a Theme.
func ParseTheme(s string) Theme {
	v := strings.TrimSpace(s)
	switch Theme(strings.ToUpper(v)) {
	case ThemeFood, ThemePole, ThemeTransport, ThemeFun, ThemeDemoniaque, ThemeOther:
		return Theme(strings.ToUpper(v))
	}
	if t, ok := themeLabels[strings.ToLower(v)]; ok {
		return t
	}
	return ThemeOther
}

type TaskStatus string

const (
	TaskDraft     TaskStatus = "DRAFT"
	TaskPublished TaskStatus = "PUBLISHED"
	TaskClosed    TaskStatus = "CLOSED"
)

type DeliveryStatus string

const (
	DeliveryTodo       DeliveryStatus = "TODO"
	DeliveryInProgress DeliveryStatus = "IN_PROGRESS"
	DeliveryDelivered  DeliveryStatus = "DELIVERED"
)

// ParseDeliveryStatus accepts the canonical values, their lower-case forms
// and the "complete" alias used by older clients.
func ParseDeliveryStatus(s string) (DeliveryStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "todo", "reset":
		return DeliveryTodo, true
	case "in_progress", "in-progress":
		return DeliveryInProgress, true
	case "delivered", "complete":
		return DeliveryDelivered, true
	}
	return "", false
}

// TimeStatus is derived from a task window at a given instant.
type TimeStatus string

const (
	TimeNotYet TimeStatus = "not_yet"
	TimeOpen   TimeStatus = "open"
	TimeClosed TimeStatus = "closed"
)

const RoleMember = "BDE_MEMBER"

type BdeList struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type User struct {
	ID           int64  `json:"id"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Phone        string `json:"phone,omitempty"`
	Role         string `json:"role"`
	BdeListID    int64  `json:"bde_list_id"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

type Task struct {
	ID          int64      `json:"id"`
	BdeListID   int64      `json:"bde_list_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Conditions  string     `json:"conditions,omitempty"`
	Theme       Theme      `json:"theme"`
	OpensAt     *string    `json:"opens_at,omitempty" format:"date-time"`
	ClosesAt    *string    `json:"closes_at,omitempty" format:"date-time"`
	Status      TaskStatus `json:"status"`
	CreatedBy   int64      `json:"created_by"`
	AssignedTo  *int64     `json:"assigned_to,omitempty"`
	PublishedAt *string    `json:"published_at,omitempty" format:"date-time"`
	CreatedAt   string     `json:"created_at" format:"date-time"`
}

// Slot is one claimable unit of a task. ClaimedByPhone is the claim marker.
type Slot struct {
	ID                int64          `json:"id"`
	TaskID            int64          `json:"task_id"`
	ClaimedByName     *string        `json:"claimed_by_name,omitempty"`
	ClaimedByPhone    *string        `json:"claimed_by_phone,omitempty"`
	ClaimedByAddress  *string        `json:"claimed_by_address,omitempty"`
	ClaimedByBuilding *string        `json:"claimed_by_building,omitempty"`
	ClaimedByRoom     *string        `json:"claimed_by_room,omitempty"`
	DeliveryStatus    DeliveryStatus `json:"delivery_status"`
	ClaimedAt         *string        `json:"claimed_at,omitempty" format:"date-time"`
}

func (s Slot) Claimed() bool {
	return s.ClaimedByPhone != nil
}

// Identity caches a claimant's display name by phone number.
type Identity struct {
	Phone     string `json:"phone"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Claimant is the data written onto a slot by a claim.
type Claimant struct {
	FirstName string
	LastName  string
	Phone     string
	Building  string
	Room      string
}

func (c Claimant) Name() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

func (c Claimant) Address() string {
	return strings.TrimSpace(c.Building + " " + c.Room)
}

// Person is a lightweight name/phone reference to an operator.
type Person struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone,omitempty"`
}

// TaskSummary is a task annotated with slot counts and joined names.
type TaskSummary struct {
	Task
	BdeListName    string     `json:"bde_list_name,omitempty"`
	Creator        *Person    `json:"creator,omitempty"`
	Assignee       *Person    `json:"assignee,omitempty"`
	TotalSlots     int        `json:"total_slots"`
	ClaimedSlots   int        `json:"claimed_slots"`
	AvailableSlots int        `json:"available_slots"`
	TimeStatus     TimeStatus `json:"time_status,omitempty"`
}

// ClaimView is a slot held by a claimant with its task context.
type ClaimView struct {
	Slot
	TaskTitle       string  `json:"task_title"`
	TaskDescription string  `json:"task_description,omitempty"`
	TaskConditions  string  `json:"task_conditions,omitempty"`
	TaskTheme       Theme   `json:"task_theme"`
	BdeListName     string  `json:"bde_list_name,omitempty"`
	Creator         *Person `json:"creator,omitempty"`
	Assignee        *Person `json:"assignee,omitempty"`
}
