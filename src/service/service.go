package service

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/flatironinstitute/kachery-p2p/src/feeds"
	"github.com/flatironinstitute/kachery-p2p/src/node"
	"github.com/flatironinstitute/kachery-p2p/src/version"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
)

// Service serves the HTTP API of a node. Feed operations are POST requests
// with a JSON body. Every successful response is a JSON object with
// "success": true. Failures are plain-text HTTP errors whose status follows
// the kind of the error.
type Service struct {
	bindAddress string
	node        *node.Node
	feeds       *feeds.FeedManager
	router      *httprouter.Router
	server      *http.Server
	logger      *logrus.Entry
}

// NewService ...
func NewService(bindAddress string, n *node.Node, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		node:        n,
		feeds:       n.FeedManager(),
		router:      httprouter.New(),
		logger:      logger.WithField("component", "service"),
	}

	service.server = &http.Server{
		Addr:    bindAddress,
		Handler: &service,
	}

	service.registerHandlers()

	return &service
}

func (s *Service) registerHandlers() {
	s.logger.Debug("Registering kachery-p2p API handlers")

	s.GET("/probe", s.Probe)
	s.GET("/stats", s.GetStats)
	s.GET("/peers", s.GetPeers)

	s.POST("/feed/createFeed", s.CreateFeed)
	s.POST("/feed/deleteFeed", s.DeleteFeed)
	s.POST("/feed/getFeedId", s.GetFeedID)
	s.POST("/feed/appendMessages", s.AppendMessages)
	s.POST("/feed/submitMessages", s.SubmitMessages)
	s.POST("/feed/getMessages", s.GetMessages)
	s.POST("/feed/getSignedMessages", s.GetSignedMessages)
	s.POST("/feed/getNumMessages", s.GetNumMessages)
	s.POST("/feed/getFeedInfo", s.GetFeedInfo)
	s.POST("/feed/getAccessRules", s.GetAccessRules)
	s.POST("/feed/setAccessRules", s.SetAccessRules)
	s.POST("/feed/watchForNewMessages", s.WatchForNewMessages)
}

// ServeHTTP implements http.Handler.
func (s *Service) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.router.ServeHTTP(w, req)
}

// GET registers a handler for GET requests.
func (s *Service) GET(path string, handle http.HandlerFunc) {
	s.router.GET(path, s.wrapHandler(handle))
}

// POST registers a handler for POST requests.
func (s *Service) POST(path string, handle http.HandlerFunc) {
	s.router.POST(path, s.wrapHandler(handle))
}

func (s *Service) wrapHandler(handler http.HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		handler(w, req)
	}
}

// Serve calls ListenAndServe. This is a blocking call which returns when the
// service is closed.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving kachery-p2p API")

	err := s.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		s.logger.Error(err)
	}
}

// Close stops the server. Pending long-polls are given up to a second to
// complete.
func (s *Service) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return s.server.Close()
	}
	return nil
}

// JSON writes data with the given status.
func (s *Service) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error writes err with the status of its kind.
func (s *Service) Error(w http.ResponseWriter, req *http.Request, err error) {
	status := errorStatus(err)

	entry := s.logger.WithFields(logrus.Fields{
		"path":   req.URL.Path,
		"status": status,
		"error":  err,
	})
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request refused")
	}

	http.Error(w, err.Error(), status)
}

func errorStatus(err error) int {
	errType, ok := feeds.ErrType(err)
	if !ok {
		return http.StatusInternalServerError
	}

	switch errType {
	case feeds.Invalid:
		return http.StatusBadRequest
	case feeds.Permission:
		return http.StatusForbidden
	case feeds.Unavailable:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Probe ...
func (s *Service) Probe(w http.ResponseWriter, req *http.Request) {
	s.JSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"nodeId":  s.node.NodeID(),
		"moniker": s.node.Moniker(),
		"version": version.Version,
	})
}

// GetStats ...
func (s *Service) GetStats(w http.ResponseWriter, req *http.Request) {
	s.JSON(w, http.StatusOK, s.node.GetStats())
}

// GetPeers ...
func (s *Service) GetPeers(w http.ResponseWriter, req *http.Request) {
	s.JSON(w, http.StatusOK, s.node.GetPeers().Peers)
}
