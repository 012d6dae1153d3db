package net

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewInmemAddr returns a new in-memory addr with
// a randomly generate UUID as the ID.
func NewInmemAddr() string {
	return uuid.New().String()
}

// InmemTransport Implements the Transport interface, to allow kachery-p2p to
// be tested in-memory without going over a network.
type InmemTransport struct {
	sync.RWMutex
	consumerCh chan RPC
	localAddr  string
	peers      map[string]*InmemTransport
	timeout    time.Duration
}

// NewInmemTransport is used to initialize a new transport
// and generates a random local address if none is specified
func NewInmemTransport(addr string) (string, *InmemTransport) {
	if addr == "" {
		addr = NewInmemAddr()
	}
	trans := &InmemTransport{
		consumerCh: make(chan RPC, 16),
		localAddr:  addr,
		peers:      make(map[string]*InmemTransport),
		timeout:    500 * time.Millisecond,
	}
	return addr, trans
}

// Consumer implements the Transport interface.
func (i *InmemTransport) Consumer() <-chan RPC {
	return i.consumerCh
}

// LocalAddr implements the Transport interface.
func (i *InmemTransport) LocalAddr() string {
	return i.localAddr
}

// AdvertiseAddr implements the Transport interface.
func (i *InmemTransport) AdvertiseAddr() string {
	return i.localAddr
}

// CheckForLiveFeed implements the Transport interface.
func (i *InmemTransport) CheckForLiveFeed(ctx context.Context, target string, args *CheckForLiveFeedRequest, resp *CheckForLiveFeedResponse) error {
	rpcResp, err := i.makeRPC(ctx, target, args, i.timeout)
	if err != nil {
		return err
	}

	// Copy the result back
	out := rpcResp.Response.(*CheckForLiveFeedResponse)
	*resp = *out
	return nil
}

// GetLiveFeedSignedMessages implements the Transport interface.
func (i *InmemTransport) GetLiveFeedSignedMessages(ctx context.Context, target string, args *GetLiveFeedSignedMessagesRequest, resp *GetLiveFeedSignedMessagesResponse) error {
	rpcResp, err := i.makeRPC(ctx, target, args, i.timeout+args.Wait())
	if err != nil {
		return err
	}

	// Copy the result back
	out := rpcResp.Response.(*GetLiveFeedSignedMessagesResponse)
	*resp = *out
	return nil
}

// SubmitMessagesToLiveFeed implements the Transport interface.
func (i *InmemTransport) SubmitMessagesToLiveFeed(ctx context.Context, target string, args *SubmitMessagesToLiveFeedRequest, resp *SubmitMessagesToLiveFeedResponse) error {
	rpcResp, err := i.makeRPC(ctx, target, args, i.timeout)
	if err != nil {
		return err
	}

	// Copy the result back
	out := rpcResp.Response.(*SubmitMessagesToLiveFeedResponse)
	*resp = *out
	return nil
}

func (i *InmemTransport) makeRPC(ctx context.Context, target string, args interface{}, timeout time.Duration) (rpcResp RPCResponse, err error) {
	i.RLock()
	peer, ok := i.peers[target]
	i.RUnlock()

	if !ok {
		err = fmt.Errorf("failed to connect to peer: %v", target)
		return
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// Send the RPC over
	respCh := make(chan RPCResponse, 1)
	select {
	case peer.consumerCh <- RPC{
		Command:  args,
		From:     i.localAddr,
		RespChan: respCh,
	}:
	case <-timer.C:
		err = fmt.Errorf("command timed out")
		return
	case <-ctx.Done():
		err = ctx.Err()
		return
	}

	// Wait for a response
	select {
	case rpcResp = <-respCh:
		if rpcResp.Error != nil {
			err = rpcResp.Error
		}
	case <-timer.C:
		err = fmt.Errorf("command timed out")
	case <-ctx.Done():
		err = ctx.Err()
	}
	return
}

// Connect is used to connect this transport to another transport for
// a given peer name. This allows for local routing.
func (i *InmemTransport) Connect(peer string, t Transport) {
	trans := t.(*InmemTransport)
	i.Lock()
	defer i.Unlock()
	i.peers[peer] = trans
}

// Disconnect is used to remove the ability to route to a given peer.
func (i *InmemTransport) Disconnect(peer string) {
	i.Lock()
	defer i.Unlock()
	delete(i.peers, peer)
}

// DisconnectAll is used to remove all routes to peers.
func (i *InmemTransport) DisconnectAll() {
	i.Lock()
	defer i.Unlock()
	i.peers = make(map[string]*InmemTransport)
}

// Close is used to permanently disable the transport
func (i *InmemTransport) Close() error {
	i.DisconnectAll()
	return nil
}

// Listen is an empty function as there is no need to defer
// initialisation of the InMem service
func (i *InmemTransport) Listen() {
}
