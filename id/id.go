// Package id provides unique identifier generators. Event IDs default to
// NUIDs, correlation IDs to UUIDs; both are swappable for tests.
package id

import (
	"github.com/google/uuid"
	"github.com/nats-io/nuid"
)

var (
	UUID ID = &uuidGen{}
	NUID ID = &nuidGen{}
)

// ID is an interface for generating unique random identifiers.
type ID interface {
	New() string
}

type uuidGen struct{}

func (i *uuidGen) New() string {
	return uuid.New().String()
}

type nuidGen struct{}

func (i *nuidGen) New() string {
	return nuid.Next()
}
