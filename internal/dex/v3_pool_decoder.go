package dex

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"poolSync/internal/model"
)

// DecoderConfig configures decoder behavior.
type DecoderConfig struct {
	// Topic0Map maps extra topic0 hashes to event names, for forks that emit
	// the same payload under a different signature.
	Topic0Map map[string]string
}

// V3PoolDecoder decodes PancakeSwap V3 / Uniswap V3 pool events.
type V3PoolDecoder struct {
	poolABI     abi.ABI
	topicToName map[common.Hash]string
}

var v3EventNames = []string{
	"Swap",
	"Mint",
	"Burn",
	"Collect",
	"CollectProtocol",
	"Flash",
	"SetFeeProtocol",
	"IncreaseObservationCardinalityNext",
}

// NewV3PoolDecoder builds a V3 pool decoder.
func NewV3PoolDecoder(cfg DecoderConfig) (*V3PoolDecoder, error) {
	poolABI, err := V3PoolABI()
	if err != nil {
		return nil, err
	}

	topicToName := make(map[common.Hash]string, len(v3EventNames)+len(cfg.Topic0Map))
	for _, name := range v3EventNames {
		topicToName[poolABI.Events[name].ID] = name
	}

	for topic0, name := range cfg.Topic0Map {
		original := name
		name = normalizeEventName(name)
		if name == "" {
			return nil, fmt.Errorf("unsupported event name in topic0 map: %s", original)
		}
		if topic0 == "" {
			continue
		}
		topicToName[common.HexToHash(topic0)] = name
	}

	return &V3PoolDecoder{
		poolABI:     poolABI,
		topicToName: topicToName,
	}, nil
}

// CanDecode checks if the topic0 is supported.
func (d *V3PoolDecoder) CanDecode(topic0 common.Hash) bool {
	_, ok := d.topicToName[topic0]
	return ok
}

// Topics lists every topic0 the decoder handles.
func (d *V3PoolDecoder) Topics() []common.Hash {
	out := make([]common.Hash, 0, len(d.topicToName))
	for topic := range d.topicToName {
		out = append(out, topic)
	}
	return out
}

// Decode converts a log into a typed pool event. Failures other than an
// unsupported topic are returned as *model.DecodeError.
func (d *V3PoolDecoder) Decode(log types.Log) (model.PoolEvent, error) {
	if len(log.Topics) == 0 {
		return nil, d.wrap(log, fmt.Errorf("missing topics"))
	}
	name, ok := d.topicToName[log.Topics[0]]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTopic, log.Topics[0].Hex())
	}

	event, err := d.decode(name, log)
	if err != nil {
		return nil, d.wrap(log, err)
	}
	return event, nil
}

func (d *V3PoolDecoder) decode(name string, log types.Log) (model.PoolEvent, error) {
	switch name {
	case "Swap":
		return d.decodeSwap(log)
	case "Mint":
		return d.decodeMint(log)
	case "Burn":
		return d.decodeBurn(log)
	case "Collect":
		return d.decodeCollect(log)
	case "CollectProtocol":
		return d.decodeCollectProtocol(log)
	case "Flash":
		return d.decodeFlash(log)
	case "SetFeeProtocol":
		return d.decodeSetFeeProtocol(log)
	case "IncreaseObservationCardinalityNext":
		return d.decodeIncreaseObservationCardinalityNext(log)
	default:
		return nil, fmt.Errorf("unsupported event name: %s", name)
	}
}

func (d *V3PoolDecoder) wrap(log types.Log, err error) error {
	var topic0 common.Hash
	if len(log.Topics) > 0 {
		topic0 = log.Topics[0]
	}
	return &model.DecodeError{
		Source:      "log",
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
		LogIndex:    log.Index,
		Topic0:      topic0,
		Err:         err,
	}
}

func normalizeEventName(name string) string {
	needle := strings.ToLower(strings.TrimSpace(name))
	for _, known := range v3EventNames {
		if strings.ToLower(known) == needle {
			return known
		}
	}
	return ""
}

func (d *V3PoolDecoder) decodeSwap(log types.Log) (model.SwapEvent, error) {
	event := d.poolABI.Events["Swap"]
	var indexed struct {
		Sender    common.Address
		Recipient common.Address
	}
	if err := parseIndexed(&indexed, event, log.Topics); err != nil {
		return model.SwapEvent{}, err
	}

	values, err := unpackNonIndexed(event, log.Data, 5)
	if err != nil {
		return model.SwapEvent{}, err
	}

	amount0, err := asBigInt(values[0])
	if err != nil {
		return model.SwapEvent{}, err
	}
	amount1, err := asBigInt(values[1])
	if err != nil {
		return model.SwapEvent{}, err
	}
	sqrtPrice, err := asBigInt(values[2])
	if err != nil {
		return model.SwapEvent{}, err
	}
	liquidity, err := asBigInt(values[3])
	if err != nil {
		return model.SwapEvent{}, err
	}
	tickInt, err := asBigInt(values[4])
	if err != nil {
		return model.SwapEvent{}, err
	}
	tick, err := int24FromBig(tickInt)
	if err != nil {
		return model.SwapEvent{}, err
	}

	return model.SwapEvent{
		Sender:       indexed.Sender,
		Recipient:    indexed.Recipient,
		Amount0:      amount0,
		Amount1:      amount1,
		SqrtPriceX96: sqrtPrice,
		Liquidity:    liquidity,
		Tick:         tick,
	}, nil
}

type positionTopics struct {
	Owner     common.Address
	TickLower *big.Int
	TickUpper *big.Int
}

func (p positionTopics) ticks() (int32, int32, error) {
	lower, err := int24FromBig(p.TickLower)
	if err != nil {
		return 0, 0, err
	}
	upper, err := int24FromBig(p.TickUpper)
	if err != nil {
		return 0, 0, err
	}
	return lower, upper, nil
}

func (d *V3PoolDecoder) decodeMint(log types.Log) (model.MintEvent, error) {
	event := d.poolABI.Events["Mint"]
	var indexed positionTopics
	if err := parseIndexed(&indexed, event, log.Topics); err != nil {
		return model.MintEvent{}, err
	}

	values, err := unpackNonIndexed(event, log.Data, 4)
	if err != nil {
		return model.MintEvent{}, err
	}

	sender, err := asAddress(values[0])
	if err != nil {
		return model.MintEvent{}, err
	}
	amounts, err := asBigInts(values[1:])
	if err != nil {
		return model.MintEvent{}, err
	}
	tickLower, tickUpper, err := indexed.ticks()
	if err != nil {
		return model.MintEvent{}, err
	}

	return model.MintEvent{
		Sender:    sender,
		Owner:     indexed.Owner,
		TickLower: tickLower,
		TickUpper: tickUpper,
		Amount:    amounts[0],
		Amount0:   amounts[1],
		Amount1:   amounts[2],
	}, nil
}

func (d *V3PoolDecoder) decodeBurn(log types.Log) (model.BurnEvent, error) {
	event := d.poolABI.Events["Burn"]
	var indexed positionTopics
	if err := parseIndexed(&indexed, event, log.Topics); err != nil {
		return model.BurnEvent{}, err
	}

	values, err := unpackNonIndexed(event, log.Data, 3)
	if err != nil {
		return model.BurnEvent{}, err
	}
	amounts, err := asBigInts(values)
	if err != nil {
		return model.BurnEvent{}, err
	}
	tickLower, tickUpper, err := indexed.ticks()
	if err != nil {
		return model.BurnEvent{}, err
	}

	return model.BurnEvent{
		Owner:     indexed.Owner,
		TickLower: tickLower,
		TickUpper: tickUpper,
		Amount:    amounts[0],
		Amount0:   amounts[1],
		Amount1:   amounts[2],
	}, nil
}

func (d *V3PoolDecoder) decodeCollect(log types.Log) (model.CollectEvent, error) {
	event := d.poolABI.Events["Collect"]
	var indexed positionTopics
	if err := parseIndexed(&indexed, event, log.Topics); err != nil {
		return model.CollectEvent{}, err
	}

	values, err := unpackNonIndexed(event, log.Data, 3)
	if err != nil {
		return model.CollectEvent{}, err
	}

	recipient, err := asAddress(values[0])
	if err != nil {
		return model.CollectEvent{}, err
	}
	amounts, err := asBigInts(values[1:])
	if err != nil {
		return model.CollectEvent{}, err
	}
	tickLower, tickUpper, err := indexed.ticks()
	if err != nil {
		return model.CollectEvent{}, err
	}

	return model.CollectEvent{
		Owner:     indexed.Owner,
		Recipient: recipient,
		TickLower: tickLower,
		TickUpper: tickUpper,
		Amount0:   amounts[0],
		Amount1:   amounts[1],
	}, nil
}

type senderRecipientTopics struct {
	Sender    common.Address
	Recipient common.Address
}

func (d *V3PoolDecoder) decodeCollectProtocol(log types.Log) (model.CollectProtocolEvent, error) {
	event := d.poolABI.Events["CollectProtocol"]
	var indexed senderRecipientTopics
	if err := parseIndexed(&indexed, event, log.Topics); err != nil {
		return model.CollectProtocolEvent{}, err
	}

	values, err := unpackNonIndexed(event, log.Data, 2)
	if err != nil {
		return model.CollectProtocolEvent{}, err
	}
	amounts, err := asBigInts(values)
	if err != nil {
		return model.CollectProtocolEvent{}, err
	}

	return model.CollectProtocolEvent{
		Sender:    indexed.Sender,
		Recipient: indexed.Recipient,
		Amount0:   amounts[0],
		Amount1:   amounts[1],
	}, nil
}

func (d *V3PoolDecoder) decodeFlash(log types.Log) (model.FlashEvent, error) {
	event := d.poolABI.Events["Flash"]
	var indexed senderRecipientTopics
	if err := parseIndexed(&indexed, event, log.Topics); err != nil {
		return model.FlashEvent{}, err
	}

	values, err := unpackNonIndexed(event, log.Data, 4)
	if err != nil {
		return model.FlashEvent{}, err
	}
	amounts, err := asBigInts(values)
	if err != nil {
		return model.FlashEvent{}, err
	}

	return model.FlashEvent{
		Sender:    indexed.Sender,
		Recipient: indexed.Recipient,
		Amount0:   amounts[0],
		Amount1:   amounts[1],
		Paid0:     amounts[2],
		Paid1:     amounts[3],
	}, nil
}

func (d *V3PoolDecoder) decodeSetFeeProtocol(log types.Log) (model.SetFeeProtocolEvent, error) {
	event := d.poolABI.Events["SetFeeProtocol"]
	if len(log.Topics) != 1 {
		return model.SetFeeProtocolEvent{}, fmt.Errorf("expected 1 topic, got %d", len(log.Topics))
	}
	values, err := unpackNonIndexed(event, log.Data, 4)
	if err != nil {
		return model.SetFeeProtocolEvent{}, err
	}

	var fees [4]uint8
	for i, value := range values {
		if fees[i], err = asUint8(value); err != nil {
			return model.SetFeeProtocolEvent{}, err
		}
	}
	return model.SetFeeProtocolEvent{
		FeeProtocol0Old: fees[0],
		FeeProtocol1Old: fees[1],
		FeeProtocol0New: fees[2],
		FeeProtocol1New: fees[3],
	}, nil
}

func (d *V3PoolDecoder) decodeIncreaseObservationCardinalityNext(log types.Log) (model.IncreaseObservationCardinalityNextEvent, error) {
	event := d.poolABI.Events["IncreaseObservationCardinalityNext"]
	if len(log.Topics) != 1 {
		return model.IncreaseObservationCardinalityNextEvent{}, fmt.Errorf("expected 1 topic, got %d", len(log.Topics))
	}
	values, err := unpackNonIndexed(event, log.Data, 2)
	if err != nil {
		return model.IncreaseObservationCardinalityNextEvent{}, err
	}
	prev, err := asUint16(values[0])
	if err != nil {
		return model.IncreaseObservationCardinalityNextEvent{}, err
	}
	next, err := asUint16(values[1])
	if err != nil {
		return model.IncreaseObservationCardinalityNextEvent{}, err
	}
	return model.IncreaseObservationCardinalityNextEvent{Old: prev, New: next}, nil
}

func parseIndexed(out interface{}, event abi.Event, topics []common.Hash) error {
	indexed := indexedArguments(event.Inputs)
	if len(topics) != len(indexed)+1 {
		return fmt.Errorf("expected %d topics, got %d", len(indexed)+1, len(topics))
	}
	if err := abi.ParseTopics(out, indexed, topics[1:]); err != nil {
		return fmt.Errorf("parse topics: %w", err)
	}
	return nil
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}

func unpackNonIndexed(event abi.Event, data []byte, want int) ([]interface{}, error) {
	values, err := event.Inputs.NonIndexed().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", event.Name, err)
	}
	if len(values) != want {
		return nil, fmt.Errorf("unexpected %s values: %d", strings.ToLower(event.Name), len(values))
	}
	return values, nil
}
