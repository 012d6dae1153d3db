package service

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/flatironinstitute/kachery-p2p/src/feeds"
)

// subfeedRef selects a subfeed by hash, or by name when no hash is given.
type subfeedRef struct {
	FeedID      feeds.FeedID      `json:"feedId"`
	SubfeedHash feeds.SubfeedHash `json:"subfeedHash"`
	SubfeedName string            `json:"subfeedName"`
}

func (r subfeedRef) hash() feeds.SubfeedHash {
	if r.SubfeedHash == "" && r.SubfeedName != "" {
		return feeds.SubfeedHashFromName(r.SubfeedName)
	}
	return r.SubfeedHash
}

type feedNameRequest struct {
	FeedName string `json:"feedName"`
}

type feedRequest struct {
	FeedID      feeds.FeedID `json:"feedId"`
	TimeoutMsec int64        `json:"timeoutMsec"`
}

type messagesRequest struct {
	subfeedRef
	Messages    []json.RawMessage `json:"messages"`
	TimeoutMsec int64             `json:"timeoutMsec"`
}

type readRequest struct {
	subfeedRef
	Position       int   `json:"position"`
	MaxNumMessages int   `json:"maxNumMessages"`
	WaitMsec       int64 `json:"waitMsec"`
}

type accessRulesRequest struct {
	subfeedRef
	AccessRules feeds.AccessRules `json:"accessRules"`
}

type watchRequest struct {
	SubfeedWatches map[string]struct {
		subfeedRef
		Position int `json:"position"`
	} `json:"subfeedWatches"`
	WaitMsec       int64 `json:"waitMsec"`
	MaxNumMessages int   `json:"maxNumMessages"`
}

func msec(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func decode(req *http.Request, v interface{}) error {
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		return feeds.NewFeedErr("", "", feeds.Invalid, "decoding request", err)
	}
	return nil
}

// CreateFeed ...
func (s *Service) CreateFeed(w http.ResponseWriter, req *http.Request) {
	var r feedNameRequest
	if err := decode(req, &r); err != nil {
		s.Error(w, req, err)
		return
	}

	feedID, err := s.feeds.CreateFeed(r.FeedName)
	if err != nil {
		s.Error(w, req, err)
		return
	}

	s.JSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"feedId":  feedID,
	})
}

// DeleteFeed ...
func (s *Service) DeleteFeed(w http.ResponseWriter, req *http.Request) {
	var r feedRequest
	if err := decode(req, &r); err != nil {
		s.Error(w, req, err)
		return
	}

	if err := s.feeds.DeleteFeed(r.FeedID); err != nil {
		s.Error(w, req, err)
		return
	}

	s.JSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// GetFeedID ...
func (s *Service) GetFeedID(w http.ResponseWriter, req *http.Request) {
	var r feedNameRequest
	if err := decode(req, &r); err != nil {
		s.Error(w, req, err)
		return
	}

	feedID, ok, err := s.feeds.GetFeedID(r.FeedName)
	if err != nil {
		s.Error(w, req, err)
		return
	}

	res := map[string]interface{}{
		"success": true,
		"found":   ok,
	}
	if ok {
		res["feedId"] = feedID
	}

	s.JSON(w, http.StatusOK, res)
}

// AppendMessages ...
func (s *Service) AppendMessages(w http.ResponseWriter, req *http.Request) {
	var r messagesRequest
	if err := decode(req, &r); err != nil {
		s.Error(w, req, err)
		return
	}

	if err := s.feeds.AppendMessages(req.Context(), r.FeedID, r.hash(), r.Messages); err != nil {
		s.Error(w, req, err)
		return
	}

	s.JSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// SubmitMessages ...
func (s *Service) SubmitMessages(w http.ResponseWriter, req *http.Request) {
	var r messagesRequest
	if err := decode(req, &r); err != nil {
		s.Error(w, req, err)
		return
	}

	if err := s.feeds.SubmitMessages(req.Context(), r.FeedID, r.hash(), r.Messages, msec(r.TimeoutMsec)); err != nil {
		s.Error(w, req, err)
		return
	}

	s.JSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// GetMessages ...
func (s *Service) GetMessages(w http.ResponseWriter, req *http.Request) {
	var r readRequest
	if err := decode(req, &r); err != nil {
		s.Error(w, req, err)
		return
	}

	msgs, err := s.feeds.GetMessages(req.Context(), r.FeedID, r.hash(), r.Position, r.MaxNumMessages, msec(r.WaitMsec))
	if err != nil {
		s.Error(w, req, err)
		return
	}

	s.JSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"messages": msgs,
	})
}

// GetSignedMessages ...
func (s *Service) GetSignedMessages(w http.ResponseWriter, req *http.Request) {
	var r readRequest
	if err := decode(req, &r); err != nil {
		s.Error(w, req, err)
		return
	}

	msgs, err := s.feeds.GetSignedMessages(req.Context(), r.FeedID, r.hash(), r.Position, r.MaxNumMessages, msec(r.WaitMsec))
	if err != nil {
		s.Error(w, req, err)
		return
	}

	s.JSON(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"signedMessages": msgs,
	})
}

// GetNumMessages ...
func (s *Service) GetNumMessages(w http.ResponseWriter, req *http.Request) {
	var r readRequest
	if err := decode(req, &r); err != nil {
		s.Error(w, req, err)
		return
	}

	num, err := s.feeds.GetNumMessages(req.Context(), r.FeedID, r.hash())
	if err != nil {
		s.Error(w, req, err)
		return
	}

	s.JSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"numMessages": num,
	})
}

// GetFeedInfo ...
func (s *Service) GetFeedInfo(w http.ResponseWriter, req *http.Request) {
	var r feedRequest
	if err := decode(req, &r); err != nil {
		s.Error(w, req, err)
		return
	}

	info, err := s.feeds.GetFeedInfo(req.Context(), r.FeedID, msec(r.TimeoutMsec))
	if err != nil {
		s.Error(w, req, err)
		return
	}

	s.JSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"isWriteable":  info.IsWriteable,
		"liveFeedInfo": info.LiveFeedLocation,
	})
}

// GetAccessRules ...
func (s *Service) GetAccessRules(w http.ResponseWriter, req *http.Request) {
	var r accessRulesRequest
	if err := decode(req, &r); err != nil {
		s.Error(w, req, err)
		return
	}

	rules, err := s.feeds.GetAccessRules(req.Context(), r.FeedID, r.hash())
	if err != nil {
		s.Error(w, req, err)
		return
	}

	s.JSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"accessRules": rules,
	})
}

// SetAccessRules ...
func (s *Service) SetAccessRules(w http.ResponseWriter, req *http.Request) {
	var r accessRulesRequest
	if err := decode(req, &r); err != nil {
		s.Error(w, req, err)
		return
	}

	if err := s.feeds.SetAccessRules(req.Context(), r.FeedID, r.hash(), r.AccessRules); err != nil {
		s.Error(w, req, err)
		return
	}

	s.JSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// WatchForNewMessages ...
func (s *Service) WatchForNewMessages(w http.ResponseWriter, req *http.Request) {
	var r watchRequest
	if err := decode(req, &r); err != nil {
		s.Error(w, req, err)
		return
	}

	watches := make(map[string]feeds.SubfeedWatch, len(r.SubfeedWatches))
	for name, sw := range r.SubfeedWatches {
		watches[name] = feeds.SubfeedWatch{
			FeedID:      sw.FeedID,
			SubfeedHash: sw.hash(),
			Position:    sw.Position,
		}
	}

	msgs, err := s.feeds.WatchForNewMessages(req.Context(), watches, msec(r.WaitMsec), r.MaxNumMessages)
	if err != nil {
		s.Error(w, req, err)
		return
	}

	s.JSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"messages": msgs,
	})
}
