package referral

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/safedeal/internal/model"
)

func TestLink(t *testing.T) {
	assert.Equal(t, "https://t.me/SdelkaSafe_bot?start=ref_42", Link("", 42))
	assert.Equal(t, "https://example.com/r/ref_7", Link("https://example.com/r/", 7))
}

func TestParseCode(t *testing.T) {
	tests := []struct {
		code    string
		want    int64
		wantErr bool
	}{
		{code: "ref_42", want: 42},
		{code: "42", want: 42},
		{code: "  ref_9 ", want: 9},
		{code: "ref_", wantErr: true},
		{code: "ref_-1", wantErr: true},
		{code: "ref_0", wantErr: true},
		{code: "abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			id, err := ParseCode(tt.code)
			if tt.wantErr {
				assert.ErrorIs(t, err, model.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
		})
	}
}

func TestAggregate(t *testing.T) {
	referees := []model.Referee{
		{UserID: 2, DealsCompleted: 0},
		{UserID: 3, DealsCompleted: 1},
		{UserID: 4, DealsCompleted: 0},
	}

	stats := Aggregate(referees, "link")
	assert.Equal(t, int64(3), stats.TotalReferrals)
	assert.Equal(t, int64(1), stats.ActiveReferrals)
	assert.Equal(t, "link", stats.ReferralLink)

	empty := Aggregate(nil, "link")
	assert.Zero(t, empty.TotalReferrals)
	assert.Zero(t, empty.ActiveReferrals)
}
