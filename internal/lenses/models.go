// Lenssync - Client Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenssync

package lenses

// Base holds the fields every server entity carries. Timestamps are ISO
// 8601 strings as sent by the server.
type Base struct {
	ID        string  `json:"id"`
	CreatedAt string  `json:"createdAt"`
	UpdatedAt string  `json:"updatedAt"`
	DeletedAt *string `json:"deletedAt"`
}

// User is an account.
type User struct {
	Base
	Email string `json:"email"`
}

// UserSettings holds language preferences as BCP 47 tags.
type UserSettings struct {
	Base
	ForeignLanguages       []string `json:"foreignLanguages"`
	TranslationLanguage    string   `json:"translationLanguage"`
	NativeLanguages        []string `json:"nativeLanguages"`
	PrimaryForeignLanguage string   `json:"primaryForeignLanguage"`
}

// FieldConfig describes one generated field of a card.
type FieldConfig struct {
	Base
	Name      string `json:"name"`
	ValueType string `json:"valueType"`
	MinResult int    `json:"minResult"`
	MaxResult int    `json:"maxResult"`
	Prompt    string `json:"prompt"`
}

// CardConfig is a card template with its field configs keyed by name.
type CardConfig struct {
	Base
	Name              string                 `json:"name"`
	FieldConfigByName map[string]FieldConfig `json:"fieldConfigByName,omitempty"`
}

// NoArgs is the argument type of queries that take none.
type NoArgs struct{}

// UserData is the projection of the User query.
type UserData struct {
	User User `json:"user"`
}

// UserCardConfigsData is the projection of the UserCardConfigs query.
type UserCardConfigsData struct {
	CardConfigs []CardConfig `json:"cardConfigs"`
}

// SignUpByEmailParams starts an email sign-up.
type SignUpByEmailParams struct {
	Email string `json:"email" validate:"required,email"`
}

// SignUpByEmailCodeParams completes a sign-up with the emailed code.
type SignUpByEmailCodeParams struct {
	Code string `json:"code" validate:"required,len=12"`
}

// SignUpByEmailCodeResult is what the server returns for a valid code.
type SignUpByEmailCodeResult struct {
	SessionToken string `json:"sessionToken"`
}

// CreateCardConfigParams creates a card config.
type CreateCardConfigParams struct {
	CardConfig CardConfig `json:"cardConfig"`
}

// CreateFieldConfigParams adds a field config to a card config.
type CreateFieldConfigParams struct {
	FieldConfig  FieldConfig `json:"fieldConfig"`
	CardConfigID string      `json:"cardConfigId"`
}

// mutationResult is the data of a mutation response.
type mutationResult[R any] struct {
	Kind   string `json:"kind"`
	Params R      `json:"params"`
}
