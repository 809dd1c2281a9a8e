package node

import (
	"context"
	"net/http"
	"time"

	"grid-distributor/events"
)

const RegistrationPath = "/se/grid/distributor/node"

// HTTPPublisher delivers node events to a distributor's registration endpoint.
type HTTPPublisher struct {
	client         *Client
	distributorURI string
}

func NewHTTPPublisher(distributorURI string, hc *http.Client) *HTTPPublisher {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPPublisher{client: NewClient(hc), distributorURI: distributorURI}
}

func (p *HTTPPublisher) PublishNodeEvent(ctx context.Context, ev *events.NodeEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	target, err := endpoint(p.distributorURI, RegistrationPath)
	if err != nil {
		return err
	}
	return p.client.doJSON(ctx, http.MethodPost, target, ev, nil)
}
