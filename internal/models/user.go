package models

type User struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

const (
	RolePatient      = "patient"
	RolePsychologist = "psychologist"
	RoleAdmin        = "admin"
)
