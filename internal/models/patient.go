package models

import (
	"time"
)

type Patient struct {
	Phone     string    `json:"phone" dynamodbav:"phone"`
	FullName  string    `json:"fullName" dynamodbav:"full_name"`
	Age       int       `json:"age,omitempty" dynamodbav:"age,omitempty"`
	Gender    string    `json:"gender,omitempty" dynamodbav:"gender,omitempty"`
	PINHash   string    `json:"-" dynamodbav:"pin_hash"`
	CreatedAt time.Time `json:"createdAt" dynamodbav:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" dynamodbav:"updated_at"`
}

func (p *Patient) GetPK() string {
	return "PATIENT#" + p.Phone
}

func (p *Patient) GetSK() string {
	return "METADATA"
}
