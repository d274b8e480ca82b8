// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/valwatch/storage"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const voter = "axelar1voter"

func votedMessage(poll, vote string) string {
	return `{"jsonrpc":"2.0","id":1,"result":{"query":"q","events":{` +
		`"tx.hash":["ABCDEF"],"tx.height":["4200"],` +
		`"axelar.vote.v1beta1.Voted.poll":["\"` + poll + `\""],` +
		`"axelar.vote.v1beta1.Voted.chain":["\"ethereum\""],` +
		`"axelar.vote.v1beta1.Voted.voter":["\"` + voter + `\""],` +
		`"axelar.vote.v1beta1.Voted.vote":["\"` + vote + `\""]}}}`
}

func TestParseMessage(t *testing.T) {
	events, err := parseMessage([]byte(votedMessage("77", "VOTE_NO")))
	require.NoError(t, err)
	require.Len(t, events, 1)

	pv, ok := events[0].(PollVoted)
	require.True(t, ok)
	assert.Equal(t, "77", pv.PollID)
	assert.Equal(t, "ethereum", pv.Chain)
	assert.Equal(t, voter, pv.Voter)
	assert.Equal(t, storage.VoteNo, pv.Vote)
	assert.Equal(t, "ABCDEF", pv.TxHash)
	assert.Equal(t, int64(4200), pv.Height)
}

func TestParseMaintainer(t *testing.T) {
	msg := `{"jsonrpc":"2.0","id":2,"result":{"events":{` +
		`"axelar.nexus.v1beta1.ChainMaintainerRegistered.chain":["\"avalanche\""],` +
		`"axelar.nexus.v1beta1.ChainMaintainerRegistered.maintainer":["\"axelarvaloper1a\""],` +
		`"axelar.nexus.v1beta1.ChainMaintainerDeregistered.chain":["\"fantom\""],` +
		`"axelar.nexus.v1beta1.ChainMaintainerDeregistered.maintainer":["\"axelarvaloper1a\""]}}}`

	events, err := parseMessage([]byte(msg))
	require.NoError(t, err)
	assert.Equal(t, []Event{
		ChainMaintainer{Chain: "avalanche", Maintainer: "axelarvaloper1a", Registered: true},
		ChainMaintainer{Chain: "fantom", Maintainer: "axelarvaloper1a", Registered: false},
	}, events)
}

func TestParseAckAndErrors(t *testing.T) {
	events, err := parseMessage([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = parseMessage([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32603,"message":"Internal error","data":"bad query"}}`))
	assert.ErrorContains(t, err, "bad query")

	_, err = parseMessage([]byte(`not json`))
	assert.Error(t, err)
}

func TestEncodeDecode(t *testing.T) {
	in := ChainMaintainer{Chain: "polygon", Maintainer: "axelarvaloper1a", Registered: true, Height: 9}
	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = Decode([]byte(`{"kind":"block","data":{}}`))
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

// chainServer accepts subscriptions and sends scripted messages per connection.
type chainServer struct {
	t        *testing.T
	conns    atomic.Int32
	queries  chan string
	messages func(n int32) []string
	// hold keeps the connection open after the messages are sent.
	hold bool
}

func (s *chainServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	n := s.conns.Add(1)

	for range Queries(voter) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req subscribeRequest
		if json.Unmarshal(data, &req) == nil {
			select {
			case s.queries <- req.Params.Query:
			default:
			}
		}
	}
	for _, m := range s.messages(n) {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
			return
		}
	}
	if s.hold {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClientReceivesEvents(t *testing.T) {
	cs := &chainServer{
		t:       t,
		queries: make(chan string, 8),
		hold:    true,
		messages: func(int32) []string {
			return []string{`{"jsonrpc":"2.0","id":1,"result":{}}`, votedMessage("1", "YES")}
		},
	}
	srv := httptest.NewServer(cs)
	defer srv.Close()

	c := New(Config{URLs: []string{wsURL(srv)}, Voter: voter}, nil)
	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Connected())

	select {
	case ev := <-c.Events():
		pv, ok := ev.(PollVoted)
		require.True(t, ok)
		assert.Equal(t, "1", pv.PollID)
		assert.Equal(t, storage.VoteYes, pv.Vote)
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}

	assert.Contains(t, <-cs.queries, "axelar.vote.v1beta1.Voted.voter")

	require.NoError(t, c.Close())
	_, open := <-c.Events()
	assert.False(t, open)
	assert.False(t, c.Connected())
}

func TestClientReconnects(t *testing.T) {
	cs := &chainServer{
		t:       t,
		queries: make(chan string, 16),
		messages: func(n int32) []string {
			if n == 1 {
				return []string{votedMessage("1", "NO")}
			}
			return []string{votedMessage("2", "NO")}
		},
	}
	srv := httptest.NewServer(cs)
	defer srv.Close()

	c := New(Config{
		URLs:           []string{wsURL(srv)},
		Voter:          voter,
		ReconnectDelay: 5 * time.Millisecond,
		ReconnectMax:   20 * time.Millisecond,
	}, nil)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	var polls []string
	timeout := time.After(5 * time.Second)
	for len(polls) < 2 {
		select {
		case ev := <-c.Events():
			polls = append(polls, ev.(PollVoted).PollID)
		case <-timeout:
			t.Fatalf("received %v before timeout", polls)
		}
	}
	assert.Equal(t, []string{"1", "2"}, polls)
	assert.GreaterOrEqual(t, cs.conns.Load(), int32(2))
}

func TestConnectFailsWithoutEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	c := New(Config{URLs: []string{url}, Voter: voter, HandshakeTimeout: time.Second}, nil)
	assert.Error(t, c.Connect(context.Background()))
	assert.NoError(t, c.Close())
}
