package testutil

import (
	"os"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
)

// NewNatsServer starts an embedded server with JetStream enabled so the
// stream backend can be exercised without external infrastructure. Pass -1
// to pick a random free port.
func NewNatsServer(port int) *server.Server {
	opts := natsserver.DefaultTestOptions
	opts.Port = port
	opts.JetStream = true
	return natsserver.RunServer(&opts)
}

// ShutdownNatsServer stops the server and removes the JetStream store
// directory it created.
func ShutdownNatsServer(srv *server.Server) {
	var storeDir string
	if js := srv.JetStreamConfig(); js != nil {
		storeDir = js.StoreDir
	}
	srv.Shutdown()
	srv.WaitForShutdown()
	if storeDir != "" {
		os.RemoveAll(storeDir)
	}
}
