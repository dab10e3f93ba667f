package psbt

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/darkswap-foundation/darkswap/internal/asset"
)

func testInputs(n int) []Input {
	inputs := make([]Input, 0, n)
	for i := 0; i < n; i++ {
		var hash chainhash.Hash
		hash[0] = byte(i + 1)
		inputs = append(inputs, Input{
			OutPoint: *wire.NewOutPoint(&hash, uint32(i)),
			Witness:  wire.NewTxOut(100_000, []byte{0x00, 0x14}),
		})
	}
	return inputs
}

func testOutputs(n int) []*wire.TxOut {
	outputs := make([]*wire.TxOut, 0, n)
	for i := 0; i < n; i++ {
		outputs = append(outputs, wire.NewTxOut(int64(50_000*(i+1)), []byte{0x00, 0x14}))
	}
	return outputs
}

func TestBTCFamilyCreateVerifyRoundTrip(t *testing.T) {
	f := BTCFamily{}
	pkt, err := f.Create(CreateParams{
		MakerInputs:  testInputs(1),
		MakerOutputs: testOutputs(1),
		TakerInputs:  testInputs(1),
		TakerOutputs: testOutputs(1),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !f.Verify(VerifyParams{}, pkt) {
		t.Fatal("Verify rejected a well-formed BTC swap PSBT")
	}
}

func TestBTCFamilyRejectsTooFewLegs(t *testing.T) {
	f := BTCFamily{}
	pkt, err := f.Create(CreateParams{
		MakerInputs:  testInputs(1),
		MakerOutputs: testOutputs(1),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if f.Verify(VerifyParams{}, pkt) {
		t.Fatal("Verify accepted a PSBT with only one input and one output")
	}
}

func TestRuneFamilyCreateVerifyRoundTrip(t *testing.T) {
	f := newRuneFamily()
	runeAsset := asset.NewRune(asset.RuneId{Block: 840000, Tx: 42})

	pkt, err := f.Create(CreateParams{
		MakerInputs:    testInputs(1),
		MakerOutputs:   testOutputs(1),
		TakerInputs:    testInputs(1),
		TakerOutputs:   testOutputs(1),
		EnvelopeAsset:  runeAsset,
		EnvelopeAmount: 5000,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if !f.Verify(VerifyParams{Asset: runeAsset, Amount: 5000}, pkt) {
		t.Fatal("Verify rejected a well-formed rune swap PSBT")
	}
}

func TestRuneFamilyRejectsTamperedEnvelope(t *testing.T) {
	f := newRuneFamily()
	runeAsset := asset.NewRune(asset.RuneId{Block: 840000, Tx: 42})
	otherAsset := asset.NewRune(asset.RuneId{Block: 1, Tx: 0})

	pkt, err := f.Create(CreateParams{
		MakerInputs:    testInputs(1),
		MakerOutputs:   testOutputs(1),
		TakerInputs:    testInputs(1),
		TakerOutputs:   testOutputs(1),
		EnvelopeAsset:  runeAsset,
		EnvelopeAmount: 5000,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	cases := []VerifyParams{
		{Asset: runeAsset, Amount: 4999},   // wrong amount
		{Asset: otherAsset, Amount: 5000},  // wrong asset id
	}
	for _, v := range cases {
		if f.Verify(v, pkt) {
			t.Errorf("Verify accepted mismatched params %+v", v)
		}
	}
}

func TestRuneFamilyRejectsAlkaneEnvelope(t *testing.T) {
	rf := newRuneFamily()
	af := newAlkaneFamily()
	alkaneAsset := asset.NewAlkane(asset.AlkaneId("FOO:1"))

	pkt, err := af.Create(CreateParams{
		MakerInputs:    testInputs(1),
		MakerOutputs:   testOutputs(1),
		TakerInputs:    testInputs(1),
		TakerOutputs:   testOutputs(1),
		EnvelopeAsset:  alkaneAsset,
		EnvelopeAmount: 10,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if rf.Verify(VerifyParams{Asset: alkaneAsset, Amount: 10}, pkt) {
		t.Fatal("RuneFamily accepted an alkane-family envelope")
	}
}

func TestEncodeDecodeEnvelopeRoundTrip(t *testing.T) {
	cases := []struct {
		asset  asset.Asset
		amount uint64
	}{
		{asset.NewRune(asset.RuneId{Block: 840000, Tx: 42}), 123456},
		{asset.NewAlkane(asset.AlkaneId("FOO:1")), 1},
		{asset.NewBitcoin(), 0},
	}
	for _, c := range cases {
		data := EncodeEnvelope(c.asset, c.amount)
		gotAsset, gotAmount, err := DecodeEnvelope(data)
		if err != nil {
			t.Fatalf("DecodeEnvelope(%q): %v", data, err)
		}
		if !gotAsset.Equal(c.asset) || gotAmount != c.amount {
			t.Errorf("round trip mismatch for %q: got (%v, %d), want (%v, %d)",
				data, gotAsset, gotAmount, c.asset, c.amount)
		}
	}
}

func TestDecodeEnvelopeRejectsMalformed(t *testing.T) {
	cases := []string{"", "RUNE:1:0", "RUNE:1:0:notanumber", "garbage"}
	for _, s := range cases {
		if _, _, err := DecodeEnvelope([]byte(s)); err == nil {
			t.Errorf("DecodeEnvelope(%q) = nil error, want error", s)
		}
	}
}

func TestExtractLegsSkipsEnvelope(t *testing.T) {
	f := newAlkaneFamily()
	alkaneAsset := asset.NewAlkane(asset.AlkaneId("FOO:1"))

	pkt, err := f.Create(CreateParams{
		MakerInputs:    testInputs(1),
		MakerOutputs:   testOutputs(2),
		EnvelopeAsset:  alkaneAsset,
		EnvelopeAmount: 10,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	inputs, outputs := ExtractLegs(pkt, true)
	if len(inputs) != 1 {
		t.Errorf("ExtractLegs inputs = %d, want 1", len(inputs))
	}
	if len(outputs) != 2 {
		t.Errorf("ExtractLegs outputs = %d, want 2 (envelope skipped)", len(outputs))
	}
}

func TestIsFullySignedFalseForUnsignedPacket(t *testing.T) {
	f := BTCFamily{}
	pkt, err := f.Create(CreateParams{
		MakerInputs:  testInputs(2),
		MakerOutputs: testOutputs(2),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if IsFullySigned(pkt) {
		t.Fatal("IsFullySigned true for a packet with no signatures")
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	f := BTCFamily{}
	pkt, err := f.Create(CreateParams{
		MakerInputs:  testInputs(1),
		MakerOutputs: testOutputs(1),
		TakerInputs:  testInputs(1),
		TakerOutputs: testOutputs(1),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	data, err := Serialize(pkt)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	got, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if len(got.UnsignedTx.TxIn) != len(pkt.UnsignedTx.TxIn) {
		t.Errorf("deserialized input count = %d, want %d", len(got.UnsignedTx.TxIn), len(pkt.UnsignedTx.TxIn))
	}
}
