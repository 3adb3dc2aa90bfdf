// Lenssync - Client Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenssync

package lenses

import "github.com/tomtom215/lenssync/internal/mirror"

// Mirror collection names.
const (
	CollectionUser         = "User"
	CollectionUserSettings = "UserSettings"
	CollectionCardConfig   = "CardConfig"
)

// Migrations is the mirror schema history. Append only.
func Migrations() []mirror.Migration {
	return []mirror.Migration{
		{
			Name: "user",
			Up: func(m *mirror.Migrator) error {
				if err := m.CreateCollection(CollectionUser); err != nil {
					return err
				}
				return m.CreateCollection(CollectionUserSettings)
			},
		},
		{
			Name: "card-config",
			Up: func(m *mirror.Migrator) error {
				return m.CreateCollection(CollectionCardConfig)
			},
		},
	}
}
