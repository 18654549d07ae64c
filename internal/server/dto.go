package server

import (
	"time"

	"allo/internal/domain"
)

// Request payloads

type ClaimRequest struct {
	FirstName string `json:"first_name" minLength:"1" maxLength:"100"`
	LastName  string `json:"last_name" minLength:"1" maxLength:"100"`
	Phone     string `json:"phone" minLength:"1" maxLength:"32" example:"0600000001"`
	Building  string `json:"building" minLength:"1" maxLength:"64" example:"i09"`
	Room      string `json:"room" minLength:"1" maxLength:"64" example:"12"`
}

type LookupRequest struct {
	Phone string `json:"phone" minLength:"1" maxLength:"32"`
}

type RegisterRequest struct {
	Email     string `json:"email" format:"email"`
	Password  string `json:"password" minLength:"6"`
	FirstName string `json:"first_name" minLength:"1"`
	LastName  string `json:"last_name" minLength:"1"`
	Phone     string `json:"phone,omitempty"`
	BdeListID int64  `json:"bde_list_id" minimum:"1"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TaskDetailsRequest struct {
	Title       string     `json:"title" minLength:"1" maxLength:"200"`
	Description string     `json:"description,omitempty"`
	Conditions  string     `json:"conditions,omitempty"`
	Theme       string     `json:"theme,omitempty" example:"FOOD"`
	OpensAt     *time.Time `json:"opens_at,omitempty"`
	ClosesAt    *time.Time `json:"closes_at,omitempty"`
}

type CreateTaskRequest struct {
	TaskDetailsRequest
	Slots int `json:"slots" minimum:"1" maximum:"500"`
}

type AssignRequest struct {
	AssignedTo *int64 `json:"assigned_to,omitempty"`
}

type DeliveryStatusRequest struct {
	Status string `json:"status" enum:"TODO,IN_PROGRESS,DELIVERED,todo,in_progress,delivered,complete,reset"`
}

// Response payloads

type ClaimResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	SlotID    int64  `json:"slot_id"`
	ClaimedAt string `json:"claimed_at" format:"date-time"`
}

type MeResponse struct {
	User  domain.User    `json:"user"`
	Group domain.BdeList `json:"group"`
}

type StatusResponse struct {
	Status string `json:"status"`
}
