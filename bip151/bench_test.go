package bip151

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func BenchmarkSealOpen(b *testing.B) {
	initiator, responder := newEnginePair(b)

	const pktSize = 60_000
	msg := bytes.Repeat([]byte("a"), pktSize)

	b.ReportAllocs()
	b.SetBytes(pktSize)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		record, err := initiator.EncryptAppendTag(msg)
		require.NoError(b, err)

		_, err = responder.AuthenticateAndDecrypt(record)
		require.NoError(b, err, "#%v: failed decryption", i)
	}
}

func BenchmarkEnvelopeRead(b *testing.B) {
	initiator, responder := newEnginePair(b)

	const pktSize = 60_000
	msg := bytes.Repeat([]byte("a"), pktSize)

	records := make([][]byte, b.N)
	for i := range records {
		record, err := initiator.EncryptAppendTag(msg)
		require.NoError(b, err)
		records[i] = record
	}

	reader := NewEnvelopeReader(responder, 0)

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		record := records[i]
		for n := 0; n < len(record); {
			m, err := reader.Read(record[n:])
			require.NoError(b, err)
			n += m
		}

		_, err := responder.AuthenticateAndDecrypt(reader.Record())
		require.NoError(b, err)
		reader.Reset()
	}
}
