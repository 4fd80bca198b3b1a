// Package db dispatches to the configured database driver.
package db

import (
	"github.com/pkg/errors"

	"github.com/hrygo/butler/internal/profile"
	"github.com/hrygo/butler/store"
	"github.com/hrygo/butler/store/db/sqlite"
)

// NewDBDriver creates new db driver based on profile.
func NewDBDriver(profile *profile.Profile) (store.Driver, error) {
	driver, err := sqlite.NewDB(profile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create sqlite driver")
	}
	return driver, nil
}
