package dex

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"poolSync/internal/model"
)

func TestV3PoolDecoderSwap(t *testing.T) {
	poolABI, err := V3PoolABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}

	decoder, err := NewV3PoolDecoder(DecoderConfig{})
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}

	pool := common.HexToAddress("0x1111111111111111111111111111111111111111")
	sender := common.HexToAddress("0x2222222222222222222222222222222222222222")
	recipient := common.HexToAddress("0x3333333333333333333333333333333333333333")

	data, err := poolABI.Events["Swap"].Inputs.NonIndexed().Pack(
		big.NewInt(-1000),
		big.NewInt(2000),
		big.NewInt(123456789),
		big.NewInt(987654321),
		big.NewInt(-15),
	)
	if err != nil {
		t.Fatalf("pack swap: %v", err)
	}

	log := buildLog(pool, poolABI.Events["Swap"].ID, data, []common.Hash{
		topicFromAddress(sender),
		topicFromAddress(recipient),
	})

	event, err := decoder.Decode(log)
	if err != nil {
		t.Fatalf("decode swap: %v", err)
	}

	swap, ok := event.(model.SwapEvent)
	if !ok {
		t.Fatalf("decoded type mismatch: %T", event)
	}

	if swap.Amount0.Int64() != -1000 || swap.Amount1.Int64() != 2000 {
		t.Fatalf("amounts mismatch: %+v", swap)
	}
	if swap.Tick != -15 {
		t.Fatalf("tick mismatch: %d", swap.Tick)
	}
	if swap.Sender != sender || swap.Recipient != recipient {
		t.Fatalf("address mismatch")
	}
	if swap.Liquidity.Int64() != 987654321 {
		t.Fatalf("liquidity mismatch: %s", swap.Liquidity)
	}
}

func TestV3PoolDecoderMintBurnCollect(t *testing.T) {
	poolABI, err := V3PoolABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}

	decoder, err := NewV3PoolDecoder(DecoderConfig{})
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}

	pool := common.HexToAddress("0x9999999999999999999999999999999999999999")
	sender := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	owner := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	recipient := common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")

	mintData, err := poolABI.Events["Mint"].Inputs.NonIndexed().Pack(
		sender,
		big.NewInt(5000),
		big.NewInt(100),
		big.NewInt(200),
	)
	if err != nil {
		t.Fatalf("pack mint: %v", err)
	}

	mintLog := buildLog(pool, poolABI.Events["Mint"].ID, mintData, []common.Hash{
		topicFromAddress(owner),
		topicFromInt24(-120),
		topicFromInt24(120),
	})

	mintEvent, err := decoder.Decode(mintLog)
	if err != nil {
		t.Fatalf("decode mint: %v", err)
	}

	mint, ok := mintEvent.(model.MintEvent)
	if !ok {
		t.Fatalf("mint type mismatch")
	}
	if mint.TickLower != -120 || mint.TickUpper != 120 {
		t.Fatalf("mint tick mismatch: %+v", mint)
	}
	if mint.Sender != sender || mint.Owner != owner || mint.Amount.Int64() != 5000 {
		t.Fatalf("mint payload mismatch: %+v", mint)
	}

	burnData, err := poolABI.Events["Burn"].Inputs.NonIndexed().Pack(
		big.NewInt(7000),
		big.NewInt(300),
		big.NewInt(400),
	)
	if err != nil {
		t.Fatalf("pack burn: %v", err)
	}

	burnLog := buildLog(pool, poolABI.Events["Burn"].ID, burnData, []common.Hash{
		topicFromAddress(owner),
		topicFromInt24(-60),
		topicFromInt24(60),
	})

	burnEvent, err := decoder.Decode(burnLog)
	if err != nil {
		t.Fatalf("decode burn: %v", err)
	}

	burn, ok := burnEvent.(model.BurnEvent)
	if !ok {
		t.Fatalf("burn type mismatch")
	}
	if burn.Amount.Int64() != 7000 || burn.TickLower != -60 {
		t.Fatalf("burn amount mismatch: %+v", burn)
	}

	collectData, err := poolABI.Events["Collect"].Inputs.NonIndexed().Pack(
		recipient,
		big.NewInt(900),
		big.NewInt(1000),
	)
	if err != nil {
		t.Fatalf("pack collect: %v", err)
	}

	collectLog := buildLog(pool, poolABI.Events["Collect"].ID, collectData, []common.Hash{
		topicFromAddress(owner),
		topicFromInt24(-10),
		topicFromInt24(10),
	})

	collectEvent, err := decoder.Decode(collectLog)
	if err != nil {
		t.Fatalf("decode collect: %v", err)
	}

	collect, ok := collectEvent.(model.CollectEvent)
	if !ok {
		t.Fatalf("collect type mismatch")
	}
	if collect.Amount0.Int64() != 900 || collect.Amount1.Int64() != 1000 {
		t.Fatalf("collect amount mismatch: %+v", collect)
	}
	if collect.Recipient != recipient {
		t.Fatalf("collect recipient mismatch")
	}
}

func TestV3PoolDecoderProtocolEvents(t *testing.T) {
	poolABI, err := V3PoolABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	decoder, err := NewV3PoolDecoder(DecoderConfig{})
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}

	pool := common.HexToAddress("0x4444444444444444444444444444444444444444")
	sender := common.HexToAddress("0x5555555555555555555555555555555555555555")
	recipient := common.HexToAddress("0x6666666666666666666666666666666666666666")

	flashData, err := poolABI.Events["Flash"].Inputs.NonIndexed().Pack(
		big.NewInt(10), big.NewInt(20), big.NewInt(1), big.NewInt(2),
	)
	if err != nil {
		t.Fatalf("pack flash: %v", err)
	}
	event, err := decoder.Decode(buildLog(pool, poolABI.Events["Flash"].ID, flashData, []common.Hash{
		topicFromAddress(sender),
		topicFromAddress(recipient),
	}))
	if err != nil {
		t.Fatalf("decode flash: %v", err)
	}
	flash := event.(model.FlashEvent)
	if flash.Paid0.Int64() != 1 || flash.Paid1.Int64() != 2 || flash.Kind() != model.EventFlash {
		t.Fatalf("flash mismatch: %+v", flash)
	}

	protoData, err := poolABI.Events["CollectProtocol"].Inputs.NonIndexed().Pack(big.NewInt(3), big.NewInt(4))
	if err != nil {
		t.Fatalf("pack collect protocol: %v", err)
	}
	event, err = decoder.Decode(buildLog(pool, poolABI.Events["CollectProtocol"].ID, protoData, []common.Hash{
		topicFromAddress(sender),
		topicFromAddress(recipient),
	}))
	if err != nil {
		t.Fatalf("decode collect protocol: %v", err)
	}
	if proto := event.(model.CollectProtocolEvent); proto.Amount1.Int64() != 4 {
		t.Fatalf("collect protocol mismatch: %+v", proto)
	}

	feeData, err := poolABI.Events["SetFeeProtocol"].Inputs.NonIndexed().Pack(uint8(0), uint8(0), uint8(4), uint8(5))
	if err != nil {
		t.Fatalf("pack set fee protocol: %v", err)
	}
	event, err = decoder.Decode(buildLog(pool, poolABI.Events["SetFeeProtocol"].ID, feeData, nil))
	if err != nil {
		t.Fatalf("decode set fee protocol: %v", err)
	}
	if fee := event.(model.SetFeeProtocolEvent); fee.FeeProtocol0New != 4 || fee.FeeProtocol1New != 5 {
		t.Fatalf("set fee protocol mismatch: %+v", fee)
	}

	cardData, err := poolABI.Events["IncreaseObservationCardinalityNext"].Inputs.NonIndexed().Pack(uint16(1), uint16(50))
	if err != nil {
		t.Fatalf("pack cardinality: %v", err)
	}
	event, err = decoder.Decode(buildLog(pool, poolABI.Events["IncreaseObservationCardinalityNext"].ID, cardData, nil))
	if err != nil {
		t.Fatalf("decode cardinality: %v", err)
	}
	if card := event.(model.IncreaseObservationCardinalityNextEvent); card.Old != 1 || card.New != 50 {
		t.Fatalf("cardinality mismatch: %+v", card)
	}
}

func TestV3PoolDecoderErrors(t *testing.T) {
	poolABI, err := V3PoolABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	decoder, err := NewV3PoolDecoder(DecoderConfig{})
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	pool := common.HexToAddress("0x7777777777777777777777777777777777777777")

	_, err = decoder.Decode(buildLog(pool, common.HexToHash("0xdeadbeef"), nil, nil))
	if !errors.Is(err, ErrUnsupportedTopic) {
		t.Fatalf("expected unsupported topic, got %v", err)
	}

	truncated := buildLog(pool, poolABI.Events["Swap"].ID, []byte{1, 2, 3}, []common.Hash{
		topicFromAddress(pool),
		topicFromAddress(pool),
	})
	_, err = decoder.Decode(truncated)
	var decodeErr *model.DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected decode error, got %v", err)
	}
	if decodeErr.BlockNumber != 12345 || decodeErr.LogIndex != 1 {
		t.Fatalf("decode error lost log position: %+v", decodeErr)
	}

	if _, err := NewV3PoolDecoder(DecoderConfig{Topic0Map: map[string]string{"0x01": "Donate"}}); err == nil {
		t.Fatalf("expected unsupported event name error")
	}
}

func TestV3PoolDecoderTopicOverride(t *testing.T) {
	poolABI, err := V3PoolABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	alias := common.HexToHash("0x0abc")
	decoder, err := NewV3PoolDecoder(DecoderConfig{Topic0Map: map[string]string{alias.Hex(): "collect"}})
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	if !decoder.CanDecode(alias) {
		t.Fatalf("alias topic not registered")
	}

	owner := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	data, err := poolABI.Events["Collect"].Inputs.NonIndexed().Pack(owner, big.NewInt(1), big.NewInt(2))
	if err != nil {
		t.Fatalf("pack collect: %v", err)
	}
	event, err := decoder.Decode(buildLog(owner, alias, data, []common.Hash{
		topicFromAddress(owner),
		topicFromInt24(-10),
		topicFromInt24(10),
	}))
	if err != nil {
		t.Fatalf("decode alias: %v", err)
	}
	if event.Kind() != model.EventCollect {
		t.Fatalf("alias decoded as %s", event.Kind())
	}
}

func buildLog(pool common.Address, topic0 common.Hash, data []byte, indexed []common.Hash) types.Log {
	topics := make([]common.Hash, 0, len(indexed)+1)
	topics = append(topics, topic0)
	topics = append(topics, indexed...)

	return types.Log{
		Address:     pool,
		Topics:      topics,
		Data:        data,
		BlockNumber: 12345,
		TxHash:      common.HexToHash("0xdef"),
		Index:       1,
	}
}

func topicFromAddress(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

func topicFromInt24(value int32) common.Hash {
	bigVal := big.NewInt(int64(value))
	if value < 0 {
		bigVal = new(big.Int).Add(bigVal, new(big.Int).Lsh(big.NewInt(1), 256))
	}
	return common.BigToHash(bigVal)
}
