package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aidekit/minder/pkg/client"
)

// maxStartWait bounds a single /start call; the daemon's HTTP write timeout
// would cut longer responses. Remaining wait time is spent polling /status.
const maxStartWait = 10 * time.Second

const reachProbeTimeout = 2 * time.Second

type command struct{}

// apiClient builds a control-API client and verifies the daemon answers.
func apiClient(url string, timeout time.Duration) (*client.Client, error) {
	c := client.New(client.Config{BaseURL: url, Timeout: timeout})
	ctx, cancel := context.WithTimeout(context.Background(), reachProbeTimeout)
	defer cancel()
	if !c.IsReachable(ctx) {
		if url == "" {
			url = client.DefaultConfig().BaseURL
		}
		return nil, fmt.Errorf("daemon not reachable at %s - start it first with 'minder run'", url)
	}
	return c, nil
}

// Status prints the supervisor's view of the companion.
func (c *command) Status(f StatusFlags) error {
	api, err := apiClient(f.APIUrl, f.APITimeout)
	if err != nil {
		return err
	}
	st, err := api.Status(context.Background())
	if err != nil {
		return err
	}
	printJSON(st)
	return nil
}

// Start asks the daemon to bring the companion up and waits up to f.Wait for
// it to become ready.
func (c *command) Start(f StartFlags) error {
	api, err := apiClient(f.APIUrl, f.APITimeout)
	if err != nil {
		return err
	}

	apiWait := f.Wait
	if apiWait > maxStartWait {
		apiWait = maxStartWait
	}
	res, err := api.Start(context.Background(), apiWait)
	if err != nil {
		return err
	}
	ready := res.OK
	if !ready && f.Wait > apiWait {
		ready, err = api.WaitReady(context.Background(), f.Wait-apiWait)
		if err != nil {
			return err
		}
	}

	st, err := api.Status(context.Background())
	if err != nil {
		return err
	}
	printJSON(st)
	if !ready {
		return fmt.Errorf("companion not ready after %s (state %s); check 'minder status'", f.Wait, st.State)
	}
	return nil
}

// Stop terminates the companion and disables automatic restarts.
func (c *command) Stop(f StopFlags) error {
	api, err := apiClient(f.APIUrl, f.APITimeout)
	if err != nil {
		return err
	}
	if err := api.Stop(context.Background()); err != nil {
		return err
	}
	st, err := api.Status(context.Background())
	if err != nil {
		return err
	}
	printJSON(st)
	return nil
}

// Reset clears restart bookkeeping so a degraded supervisor accepts Start again.
func (c *command) Reset(f ResetFlags) error {
	api, err := apiClient(f.APIUrl, f.APITimeout)
	if err != nil {
		return err
	}
	if err := api.Reset(context.Background()); err != nil {
		return err
	}
	st, err := api.Status(context.Background())
	if err != nil {
		return err
	}
	printJSON(st)
	return nil
}

// Request forwards one debug request to the companion through the
// supervisor's queue and prints the companion's response.
func (c *command) Request(f RequestFlags) error {
	api, err := apiClient(f.APIUrl, f.APITimeout)
	if err != nil {
		return err
	}
	dr := client.DispatchRequest{Method: f.Method, Path: f.Path}
	if f.Body != "" {
		if !json.Valid([]byte(f.Body)) {
			return fmt.Errorf("request body is not valid JSON")
		}
		dr.Body = json.RawMessage(f.Body)
	}
	resp, err := api.Request(context.Background(), dr)
	if err != nil {
		return err
	}
	printJSON(resp)
	return nil
}

// Journal prints the most recent persisted lifecycle events.
func (c *command) Journal(f JournalFlags) error {
	api, err := apiClient(f.APIUrl, f.APITimeout)
	if err != nil {
		return err
	}
	recs, err := api.Journal(context.Background(), f.Limit)
	if err != nil {
		return err
	}
	printJSON(recs)
	return nil
}
