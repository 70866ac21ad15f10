/*
Package asyncserver provides an asynchronous HTTP and WebSocket server with a
small routing framework on top.

The server and the framework are joined by a narrow contract, the events
package: the server turns socket traffic into typed events and hands them to
an application, the framework is one implementation of that application
interface. Either half works without the other.

Features

  - HTTP/1.1 with keep-alive, pipelining and chunked transfer in both directions
  - WebSocket upgrade with ping/pong liveness and graceful close handshakes
  - Lifespan protocol: applications get startup and shutdown hooks with a say
    in whether the server starts at all
  - Concurrency governor: connection ceilings with 503 refusal and worker
    recycling after a request budget
  - Multi-process supervisor: shared-socket workers, heartbeat liveness checks,
    file-change reload and clean re-exec
  - Prometheus metrics and structured slog logging throughout

Quick Start

Basic usage example:

	package main

	import (
	    "context"
	    "log"

	    "github.com/searchktools/async-server/app"
	    "github.com/searchktools/async-server/config"
	    "github.com/searchktools/async-server/web"
	)

	func main() {
	    site := web.New()
	    site.Get("/hello/:name", func(ctx context.Context, r *web.Request) (*web.Response, error) {
	        return web.Text(200, "Hello, "+r.Param("name")+"!"), nil
	    })

	    runner, err := app.New(site, config.Default())
	    if err != nil {
	        log.Fatal(err)
	    }
	    if err := runner.Run(context.Background()); err != nil {
	        log.Fatal(err)
	    }
	}

Modules

The module is organized into several packages:

  - events: the application contract connecting server and framework
  - app: process entry point choosing between server, supervisor and worker roles
  - config: configuration, validation and layered loading
  - core: the server engine with its listeners, governor and lifespan
  - core/http: the HTTP/1.1 connection state machine
  - core/websocket: the WebSocket handshake and frame driver
  - supervisor: multi-worker process management with reload
  - metrics: Prometheus collectors for server activity
  - web: routing framework with middleware, streaming and WebSocket sessions

The async-server command serves a built-in demo application and doubles as a
reference for wiring the packages together.

For more information, see https://github.com/searchktools/async-server
*/
package asyncserver
