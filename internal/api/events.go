package api

import (
	"context"

	"github.com/yumelira/yumebox-go/internal/facade"
	"github.com/yumelira/yumebox-go/internal/profile"
	"github.com/yumelira/yumebox-go/internal/proxy"
	"github.com/yumelira/yumebox-go/internal/proxystate"
	"github.com/yumelira/yumebox-go/internal/traffic"
)

// EventSources are the state streams forwarded to websocket clients.
type EventSources struct {
	Traffic  *traffic.Collector
	State    *proxystate.Repository
	Profiles *facade.ProfilesFacade
}

// Forward subscribes the hub to src and returns a function that
// unsubscribes again.
func (h *WebSocketHub) Forward(src EventSources) func() {
	var cancels []func()

	if src.Traffic != nil {
		cancels = append(cancels, src.Traffic.Subscribe(func(now, total traffic.Data) {
			h.Broadcast(EventTraffic, TrafficEvent{
				Upload:        now.Upload,
				Download:      now.Download,
				TotalUpload:   total.Upload,
				TotalDownload: total.Download,
				Text:          traffic.NotificationText(now, total),
			})
		}))
	}
	if src.State != nil {
		cancels = append(cancels, src.State.Subscribe(func(s proxy.Snapshot) {
			h.Broadcast(EventGroups, s)
		}))
	}
	if src.Profiles != nil {
		src.Profiles.OnUpdated(func(_ context.Context, p profile.Profile) {
			h.Broadcast(EventProfileUpdated, p)
		})
	}

	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}
