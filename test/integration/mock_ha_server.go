// Package integration provides end-to-end tests of the notifier against a mock
// Home Assistant WebSocket server.
// This file re-exports types from pkg/testutil.
package integration

import (
	"lmnop/pkg/testutil"
)

type MockHAServer = testutil.MockHAServer
type EntityState = testutil.EntityState
type ServiceCall = testutil.ServiceCall
type TestEnv = testutil.TestEnv

// NewTestEnv starts a mock server, a connected client and a SQLite store
var NewTestEnv = testutil.NewTestEnv

// Helper function aliases
var FilterServiceCalls = testutil.FilterServiceCalls
var FindServiceCallWithData = testutil.FindServiceCallWithData
var FindServiceCallWithEntityID = testutil.FindServiceCallWithEntityID
