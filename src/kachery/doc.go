// Package kachery assembles a kachery-p2p daemon from its parts.
//
// A Kachery instance is built from a config.Config. Init loads or creates the
// node key, reads peers.json, binds the TCP transport, opens the feed manager
// over the storage directory, and creates the Node and its HTTP Service. Run
// blocks until Shutdown is called.
//
//	engine := kachery.NewKachery(conf)
//	if err := engine.Init(); err != nil {
//		return err
//	}
//	engine.Run()
package kachery
