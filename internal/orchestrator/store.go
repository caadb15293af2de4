package orchestrator

import (
	"github.com/danmuck/hostbridge/internal/client"
	"github.com/danmuck/hostbridge/internal/survival"
)

// SlotClient names the survival slot that carries the connection client across a reload.
const SlotClient = "connection_client"

// ClientStore carries live connection clients across rebuilds.
type ClientStore = survival.Store[client.CommandSource]

var processStore = survival.NewStore[client.CommandSource]()

// ProcessStore is the store shared by every generation in this process.
func ProcessStore() *ClientStore {
	return processStore
}
