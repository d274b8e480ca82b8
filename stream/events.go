// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/valwatch/storage"
	json "github.com/goccy/go-json"
)

// Kind names an event type on the wire and in queue payloads.
type Kind string

const (
	KindPollVoted       Kind = "poll_voted"
	KindChainMaintainer Kind = "chain_maintainer"
)

// Event attribute keys emitted by the chain.
const (
	votedPrefix        = "axelar.vote.v1beta1.Voted."
	registeredPrefix   = "axelar.nexus.v1beta1.ChainMaintainerRegistered."
	deregisteredPrefix = "axelar.nexus.v1beta1.ChainMaintainerDeregistered."
)

// ErrUnknownEvent is returned when a payload carries no known event.
var ErrUnknownEvent = errors.New("unknown event")

// Event is one of PollVoted or ChainMaintainer.
type Event interface {
	Kind() Kind
}

// PollVoted is a vote cast by a voter on a cross-chain poll.
type PollVoted struct {
	PollID string    `json:"poll_id"`
	Chain  string    `json:"chain"`
	Voter  string    `json:"voter"`
	Vote   string    `json:"vote"`
	TxHash string    `json:"tx_hash"`
	Height int64     `json:"height"`
	Time   time.Time `json:"time"`
}

// Kind implements Event.
func (PollVoted) Kind() Kind { return KindPollVoted }

// ChainMaintainer is a chain maintainer registration change.
type ChainMaintainer struct {
	Chain      string `json:"chain"`
	Maintainer string `json:"maintainer"`
	Registered bool   `json:"registered"`
	TxHash     string `json:"tx_hash"`
	Height     int64  `json:"height"`
}

// Kind implements Event.
func (ChainMaintainer) Kind() Kind { return KindChainMaintainer }

type envelope struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Encode serializes an event for a queue payload.
func Encode(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Kind: e.Kind(), Data: data})
}

// Decode parses a payload produced by Encode.
func Decode(payload []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	switch env.Kind {
	case KindPollVoted:
		var e PollVoted
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case KindChainMaintainer:
		var e ChainMaintainer
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Kind)
	}
}

// rpcMessage is a CometBFT JSON-RPC subscription message.
type rpcMessage struct {
	ID     json.RawMessage `json:"id"`
	Result struct {
		Query  string              `json:"query"`
		Events map[string][]string `json:"events"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    string `json:"data"`
	} `json:"error"`
}

// parseMessage extracts the typed events of one subscription message. The
// subscription acknowledgement and unrelated transactions yield none.
func parseMessage(raw []byte) ([]Event, error) {
	var msg rpcMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	if msg.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s %s", msg.Error.Code, msg.Error.Message, msg.Error.Data)
	}
	attrs := msg.Result.Events
	if len(attrs) == 0 {
		return nil, nil
	}

	txHash := first(attrs, "tx.hash")
	height, _ := strconv.ParseInt(first(attrs, "tx.height"), 10, 64)

	var events []Event
	polls := attrs[votedPrefix+"poll"]
	for i, poll := range polls {
		events = append(events, PollVoted{
			PollID: unquote(poll),
			Chain:  unquote(at(attrs, votedPrefix+"chain", i)),
			Voter:  unquote(at(attrs, votedPrefix+"voter", i)),
			Vote:   voteValue(unquote(at(attrs, votedPrefix+"vote", i))),
			TxHash: txHash,
			Height: height,
			Time:   time.Now().UTC(),
		})
	}
	for _, m := range []struct {
		prefix     string
		registered bool
	}{{registeredPrefix, true}, {deregisteredPrefix, false}} {
		for i, c := range attrs[m.prefix+"chain"] {
			events = append(events, ChainMaintainer{
				Chain:      unquote(c),
				Maintainer: unquote(at(attrs, m.prefix+"maintainer", i)),
				Registered: m.registered,
				TxHash:     txHash,
				Height:     height,
			})
		}
	}
	return events, nil
}

func first(attrs map[string][]string, key string) string {
	return at(attrs, key, 0)
}

func at(attrs map[string][]string, key string, i int) string {
	vs := attrs[key]
	if i < len(vs) {
		return vs[i]
	}
	return ""
}

// Attribute values are JSON encoded strings.
func unquote(v string) string {
	if s, err := strconv.Unquote(v); err == nil {
		return s
	}
	return v
}

func voteValue(v string) string {
	switch strings.TrimPrefix(strings.ToUpper(v), "VOTE_") {
	case "YES", "TRUE":
		return storage.VoteYes
	case "NO", "FALSE":
		return storage.VoteNo
	default:
		return storage.VoteUnsubmitted
	}
}
