package models

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleTriage  Role = "triage"
	RoleService Role = "service"
	RolePanel   Role = "panel"
	RoleUser    Role = "user"
)
