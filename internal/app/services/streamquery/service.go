// Package streamquery reads point-in-time stream and treasury state from
// the ledger. All reads are side-effect free and degrade to sentinel
// values on failure so that callers in poll loops never have to branch on
// transport errors.
package streamquery

import (
	"context"
	"math/big"
	"strconv"
	"strings"

	"github.com/starcpay/stream_engine/internal/app/domain/stream"
	"github.com/starcpay/stream_engine/internal/circle"
	"github.com/starcpay/stream_engine/pkg/logger"
)

// ZeroAddress is the EVM zero address, returned when no treasury exists
// for an owner or the lookup failed.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

const streamsABI = `[{"type":"function","name":"streams","inputs":[{"name":"","type":"uint256"}],"outputs":[{"name":"recipient","type":"address"},{"name":"ratePerSecond","type":"uint256"},{"name":"lastTimestamp","type":"uint256"},{"name":"accrued","type":"uint256"},{"name":"paused","type":"bool"}],"stateMutability":"view"}]`

const nextStreamIDABI = `[{"type":"function","name":"nextStreamId","inputs":[],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"}]`

const treasuryMappingABI = `[{"type":"function","name":"treasuryMapping","inputs":[{"name":"","type":"address"}],"outputs":[{"name":"","type":"address"}],"stateMutability":"view"}]`

// ContractQuerier performs read-only contract calls.
type ContractQuerier interface {
	QueryContract(ctx context.Context, req circle.QueryRequest) ([]string, error)
}

// BalanceReader reads native balances from the ledger.
type BalanceReader interface {
	BalanceAt(ctx context.Context, address string) (*big.Int, error)
}

// Service answers point-in-time queries about streams and treasuries.
type Service struct {
	querier        ContractQuerier
	balances       BalanceReader
	factoryAddress string
	log            *logger.Logger
}

// New constructs a stream query service. factoryAddress is the treasury
// factory contract that maps owners to their treasury.
func New(querier ContractQuerier, balances BalanceReader, factoryAddress string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("streamquery")
	}
	return &Service{
		querier:        querier,
		balances:       balances,
		factoryAddress: factoryAddress,
		log:            log,
	}
}

// StreamState reads a stream's current on-chain snapshot. Returns
// ok=false when the read failed or the stream does not exist.
func (s *Service) StreamState(ctx context.Context, treasury string, streamID int64) (stream.Snapshot, bool) {
	values, err := s.querier.QueryContract(ctx, circle.QueryRequest{
		Address:              treasury,
		ABIFunctionSignature: "streams(uint256)",
		ABIParameters:        []string{strconv.FormatInt(streamID, 10)},
		ABIJSON:              streamsABI,
	})
	if err != nil {
		s.log.WithError(err).WithField("treasury", treasury).Debug("stream state query failed")
		return stream.Snapshot{}, false
	}
	if len(values) < 5 {
		s.log.WithField("treasury", treasury).Debugf("stream state query returned %d values", len(values))
		return stream.Snapshot{}, false
	}

	rate, ok := new(big.Int).SetString(values[1], 10)
	if !ok {
		return stream.Snapshot{}, false
	}
	accrued, ok := new(big.Int).SetString(values[3], 10)
	if !ok {
		return stream.Snapshot{}, false
	}
	last, err := strconv.ParseInt(values[2], 10, 64)
	if err != nil {
		return stream.Snapshot{}, false
	}

	return stream.Snapshot{
		Recipient:     values[0],
		RatePerSecond: rate,
		LastTimestamp: last,
		Accrued:       accrued,
		Paused:        values[4] == "true",
	}, true
}

// NextStreamID reads the treasury's next available stream id. Returns -1
// on failure.
func (s *Service) NextStreamID(ctx context.Context, treasury string) int64 {
	values, err := s.querier.QueryContract(ctx, circle.QueryRequest{
		Address:              treasury,
		ABIFunctionSignature: "nextStreamId()",
		ABIJSON:              nextStreamIDABI,
	})
	if err != nil {
		s.log.WithError(err).WithField("treasury", treasury).Debug("next stream id query failed")
		return -1
	}
	if len(values) == 0 {
		return -1
	}
	id, err := strconv.ParseInt(values[0], 10, 64)
	if err != nil {
		return -1
	}
	return id
}

// TreasuryAddress resolves an owner's treasury via the factory mapping.
// Returns the zero address when none exists or the lookup failed.
func (s *Service) TreasuryAddress(ctx context.Context, owner string) string {
	values, err := s.querier.QueryContract(ctx, circle.QueryRequest{
		Address:              s.factoryAddress,
		ABIFunctionSignature: "treasuryMapping(address)",
		ABIParameters:        []string{owner},
		ABIJSON:              treasuryMappingABI,
	})
	if err != nil {
		s.log.WithError(err).WithField("owner", owner).Debug("treasury lookup failed")
		return ZeroAddress
	}
	if len(values) == 0 || values[0] == "" {
		return ZeroAddress
	}
	return values[0]
}

// HasTreasury reports whether the owner has a deployed treasury.
func (s *Service) HasTreasury(ctx context.Context, owner string) bool {
	addr := s.TreasuryAddress(ctx, owner)
	return !strings.EqualFold(addr, ZeroAddress)
}

// TreasuryBalance reads a treasury's native balance. A failed read
// returns zero with ok false so callers can tell an empty treasury from
// an unreadable one.
func (s *Service) TreasuryBalance(ctx context.Context, treasury string) (*big.Int, bool) {
	balance, err := s.balances.BalanceAt(ctx, treasury)
	if err != nil {
		s.log.WithError(err).WithField("treasury", treasury).Debug("balance read failed")
		return new(big.Int), false
	}
	return balance, true
}
