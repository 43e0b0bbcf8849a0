// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

/*
Package services provides suture.Service wrappers for Vigil components.

Each wrapper implements the suture.Service interface:

	type Service interface {
	    Serve(ctx context.Context) error
	}

# Available Services

HTTP Server (HTTPServerService):
  - Wraps *http.Server built by NewHTTPServer from api.Config
  - Converts ListenAndServe to Serve with bounded graceful shutdown

Runners (RunnerService):
  - Wraps any component exposing RunWithContext
  - Used for Badger value log GC, the playbook approval sweeper, and the
    watermill ingestion router
  - An early return is reported as a failure so the supervisor restarts it

# Usage

	tree.AddStorageService(services.NewRunnerService("store-gc", st))
	tree.AddPipelineService(services.NewRunnerService("approval-sweeper", executor))
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.ShutdownTimeout))
*/
package services
