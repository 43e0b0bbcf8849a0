// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

/*
Package supervisor provides process supervision for Vigil using suture v4.

The tree groups long-running services into layers so a failing layer is
restarted without disturbing the others:

	RootSupervisor ("vigil")
	├── StorageSupervisor ("storage-layer")
	│   └── store-gc (Badger value log GC)
	├── PipelineSupervisor ("pipeline-layer")
	│   ├── approval-sweeper (expires pending playbook executions)
	│   └── bridge-router (watermill NATS ingestion, when enabled)
	└── APISupervisor ("api-layer")
	    └── http-server

The signal bus and its subscribers are not services: they run on the
publisher's goroutine and have no loop to supervise.

# Events

Supervisor events (restarts, backoff, stop timeouts) are logged through
sutureslog using the slog adapter over zerolog:

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

# Shutdown

Serve blocks until its context is canceled. Each service gets
ShutdownTimeout to return; UnstoppedServiceReport lists any that did not.
*/
package supervisor
