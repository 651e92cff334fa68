// Logic related to expvar handling: reporting live stats such as
// session and topic counts, memory usage etc.
// The stats updates happen in a separate go routine to avoid
// locking on main logic routines.

package main

import (
	"expvar"
	"net/http"
	"runtime"
	"time"

	"github.com/chitchat/chat/server/logs"
)

type varUpdate struct {
	// Name of the variable to update.
	varname string
	// Integer value to publish.
	count int64
	// Treat the count as an increment as opposite to the final value.
	inc bool
}

// statsInit initializes stats reporting through expvar.
func statsInit(mux *http.ServeMux, path string) {
	if path == "" || path == "-" {
		return
	}

	mux.Handle(path, expvar.Handler())
	globals.statsUpdate = make(chan *varUpdate, 1024)

	start := time.Now()
	expvar.Publish("Uptime", expvar.Func(func() interface{} {
		return time.Since(start).Seconds()
	}))
	expvar.Publish("NumGoroutines", expvar.Func(func() interface{} {
		return runtime.NumGoroutine()
	}))
	expvar.Publish("Version", expvar.Func(func() interface{} {
		return base10Version(parseVersion(currentVersion))
	}))

	go statsUpdater()

	logs.Info.Printf("stats: variables exposed at '%s'", path)
}

// statsRegisterInt registers an integer variable. Don't check for initialization.
func statsRegisterInt(name string) {
	if expvar.Get(name) == nil {
		expvar.Publish(name, new(expvar.Int))
	}
}

// statsRegisterDbStats registers a callback returning db connection stats.
func statsRegisterDbStats(f func() interface{}) {
	if f != nil {
		expvar.Publish("DbStats", expvar.Func(f))
	}
}

// statsSet publishes a final int value, asynchronously.
func statsSet(name string, val int64) {
	if globals.statsUpdate != nil {
		select {
		case globals.statsUpdate <- &varUpdate{name, val, false}:
		default:
		}
	}
}

// statsInc publishes an increment (decrement) to an int variable, asynchronously.
func statsInc(name string, val int) {
	if globals.statsUpdate != nil {
		select {
		case globals.statsUpdate <- &varUpdate{name, int64(val), true}:
		default:
		}
	}
}

// statsShutdown stops publishing stats.
func statsShutdown() {
	if globals.statsUpdate != nil {
		globals.statsUpdate <- nil
	}
}

// statsUpdater is the go routine which actually publishes stats updates.
func statsUpdater() {
	for upd := range globals.statsUpdate {
		if upd == nil {
			globals.statsUpdate = nil
			// Don't care to close the channel.
			break
		}

		// Handle var update.
		if ev := expvar.Get(upd.varname); ev != nil {
			// Intentional panic if the ev is not *expvar.Int.
			intvar := ev.(*expvar.Int)
			if upd.inc {
				intvar.Add(upd.count)
			} else {
				intvar.Set(upd.count)
			}
		} else {
			panic("stats: update to unknown variable " + upd.varname)
		}
	}

	logs.Info.Println("stats: shutdown")
}
