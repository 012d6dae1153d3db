package net

// RPCResponse captures both a response and a potential error.
type RPCResponse struct {
	Response interface{}
	Error    error
}

// RPC is an incoming request. From is the transport address of the sender,
// for logging only: nodes are identified by the signed content of requests,
// not by where they come from.
type RPC struct {
	Command  interface{}
	From     string
	RespChan chan<- RPCResponse
}

// Respond is used to respond with a response, error or both.
func (r *RPC) Respond(resp interface{}, err error) {
	r.RespChan <- RPCResponse{resp, err}
}
