package serialmux

import (
	"context"
	"fmt"
	"net/http"
)

// DisabledSerialMux stands in when no bridge is attached, for example when
// observations arrive over MQTT. Commands are accepted and discarded; its
// subscribers never receive a line but their channels still close on
// Unsubscribe or Close so readers unblock during shutdown.
type DisabledSerialMux struct {
	subs *subscriberSet
}

func NewDisabledSerialMux() *DisabledSerialMux {
	return &DisabledSerialMux{subs: newSubscriberSet(0)}
}

func (d *DisabledSerialMux) Subscribe() (string, chan string) { return d.subs.add() }

func (d *DisabledSerialMux) Unsubscribe(id string) { d.subs.remove(id) }

func (d *DisabledSerialMux) SendCommand(string) error { return nil }

func (d *DisabledSerialMux) Initialize() error { return nil }

// Monitor blocks until ctx is done.
func (d *DisabledSerialMux) Monitor(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *DisabledSerialMux) Close() error {
	d.subs.closeAll()
	return nil
}

func (d *DisabledSerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/bridge", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "no serial bridge attached (%d subscribers)\n", d.subs.len())
	})
}
