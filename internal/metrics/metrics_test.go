package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRequest(t *testing.T) {
	RequestsTotal.Reset()
	RequestDuration.Reset()

	RecordRequest("Chat", "GPT4-8K", "200", 1.5)

	count := testutil.ToFloat64(RequestsTotal.WithLabelValues("Chat", "GPT4-8K", "200"))
	if count != 1 {
		t.Errorf("RequestsTotal = %v, want 1", count)
	}
}

func TestRecordTokens(t *testing.T) {
	TokensTotal.Reset()

	RecordTokens("GPT35Turbo", 100)
	RecordTokens("GPT35Turbo", 50)

	tokens := testutil.ToFloat64(TokensTotal.WithLabelValues("GPT35Turbo"))
	if tokens != 150 {
		t.Errorf("TokensTotal = %v, want 150", tokens)
	}
}

func TestRecordUpstreamError(t *testing.T) {
	UpstreamErrors.Reset()

	RecordUpstreamError("Cohere", "upstream_error")

	count := testutil.ToFloat64(UpstreamErrors.WithLabelValues("Cohere", "upstream_error"))
	if count != 1 {
		t.Errorf("UpstreamErrors = %v, want 1", count)
	}
}

func TestRecordUpstream(t *testing.T) {
	UpstreamLatency.Reset()

	RecordUpstream("Bedrock", "Bedrock-Claude3-Haiku", true, 0.3)

	if n := testutil.CollectAndCount(UpstreamLatency); n != 1 {
		t.Errorf("UpstreamLatency series = %d, want 1", n)
	}
}

func TestRecordQuotaRejection(t *testing.T) {
	before := testutil.ToFloat64(QuotaRejections)
	RecordQuotaRejection()
	if got := testutil.ToFloat64(QuotaRejections); got != before+1 {
		t.Errorf("QuotaRejections = %v, want %v", got, before+1)
	}
}

func TestRecordStreamFrame(t *testing.T) {
	StreamFrames.Reset()

	RecordStreamFrame("GPT4-8K")
	RecordStreamFrame("GPT4-8K")

	if got := testutil.ToFloat64(StreamFrames.WithLabelValues("GPT4-8K")); got != 2 {
		t.Errorf("StreamFrames = %v, want 2", got)
	}
}
