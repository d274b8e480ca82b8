// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import "time"

// UptimeData is the payload of an UPTIME notification.
type UptimeData struct {
	Operator string  `json:"operator"`
	Moniker  string  `json:"moniker,omitempty"`
	Uptime   float64 `json:"uptime"`
	Level    string  `json:"level"`
	Previous string  `json:"previous,omitempty"`
}

// PollVoteData is the payload of a POLL_VOTE notification.
type PollVoteData struct {
	PollID string `json:"poll_id"`
	Chain  string `json:"chain"`
	Voter  string `json:"voter"`
	Vote   string `json:"vote"`
	TxHash string `json:"tx_hash,omitempty"`
	Height int64  `json:"height,omitempty"`
}

// RPCHealthData is the payload of an RPC_ENDPOINT_HEALTH notification.
type RPCHealthData struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Healthy bool   `json:"healthy"`
	Reason  string `json:"reason,omitempty"`
}

// ChainRegistrationData is the payload of an EVM_SUPPORTED_CHAIN_REGISTRATION notification.
type ChainRegistrationData struct {
	Chain      string `json:"chain"`
	Maintainer string `json:"maintainer"`
	Registered bool   `json:"registered"`
}

// BalanceData is the payload of a BROADCASTER_BALANCE_LOW notification.
type BalanceData struct {
	Address   string  `json:"address"`
	Denom     string  `json:"denom"`
	Balance   float64 `json:"balance"`
	Threshold float64 `json:"threshold"`
}

// Vote values of a poll vote.
const (
	VoteYes         = "YES"
	VoteNo          = "NO"
	VoteUnsubmitted = "UNSUBMITTED"
)

// PollVote is one vote of a voter on a cross-chain poll.
type PollVote struct {
	PollID    string    `json:"poll_id" db:"poll_id"`
	Chain     string    `json:"chain" db:"chain"`
	Voter     string    `json:"voter" db:"voter"`
	Vote      string    `json:"vote" db:"vote"`
	TxHash    string    `json:"tx_hash" db:"tx_hash"`
	Height    int64     `json:"height" db:"height"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	Notified  bool      `json:"notified" db:"notified"`
}
