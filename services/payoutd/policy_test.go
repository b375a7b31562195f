package payoutd

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadPolicies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- kind: Raffle
  daily_cap: "5000"
- kind: affiliate
  daily_cap: "0"
`), 0o600))

	policies, err := LoadPolicies(path)
	require.NoError(t, err)
	require.Len(t, policies, 2)
	require.Equal(t, "affiliate", policies[0].Kind)
	require.Equal(t, "0", policies[0].DailyCap.String())
	require.Equal(t, "raffle", policies[1].Kind)
	require.Equal(t, "5000", policies[1].DailyCap.String())
}

func TestLoadPoliciesRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"duplicate": "- kind: raffle\n  daily_cap: \"1\"\n- kind: RAFFLE\n  daily_cap: \"2\"\n",
		"no-kind":   "- daily_cap: \"1\"\n",
		"negative":  "- kind: raffle\n  daily_cap: \"-1\"\n",
		"garbage":   "- kind: raffle\n  daily_cap: \"1.5\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			_, err := LoadPolicies(path)
			require.Error(t, err)
		})
	}
	_, err := LoadPolicies(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestPolicyEnforcerWindow(t *testing.T) {
	enforcer, err := NewPolicyEnforcer([]Policy{{Kind: "raffle", DailyCap: big.NewInt(100)}})
	require.NoError(t, err)
	day := time.Date(2026, 5, 10, 23, 0, 0, 0, time.UTC)

	require.NoError(t, enforcer.Validate("raffle", big.NewInt(100), day))
	enforcer.Record("raffle", big.NewInt(70), day)
	require.Equal(t, "30", enforcer.RemainingCap("Raffle", day).String())
	require.ErrorIs(t, enforcer.Validate("raffle", big.NewInt(31), day), ErrDailyCapExceeded)

	next := day.Add(2 * time.Hour)
	require.NoError(t, enforcer.Validate("raffle", big.NewInt(100), next))
	require.Equal(t, "100", enforcer.Snapshot(next)["raffle"].String())
	require.Equal(t, "100", enforcer.DailyCap("raffle").String())
}

func TestPolicyEnforcerFoldsKindForms(t *testing.T) {
	enforcer, err := NewPolicyEnforcer([]Policy{{Kind: " Raffle ", DailyCap: big.NewInt(10)}})
	require.NoError(t, err)
	day := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	require.True(t, enforcer.Capped("ＲＡＦＦＬＥ"))
	enforcer.Record("ｒａｆｆｌｅ", big.NewInt(4), day)
	require.Equal(t, "6", enforcer.RemainingCap("raffle", day).String())
}

func TestPolicyEnforcerUncappedKinds(t *testing.T) {
	enforcer, err := NewPolicyEnforcer(nil)
	require.NoError(t, err)
	require.NoError(t, enforcer.Validate("merch", big.NewInt(1_000_000), time.Now()))
	require.False(t, enforcer.Capped("merch"))
	require.Empty(t, enforcer.Snapshot(time.Now()))

	var nilEnforcer *PolicyEnforcer
	require.NoError(t, nilEnforcer.Validate("merch", big.NewInt(1), time.Now()))
	nilEnforcer.Record("merch", big.NewInt(1), time.Now())
	require.Equal(t, "0", nilEnforcer.RemainingCap("merch", time.Now()).String())
}

func TestPolicyEnforcerZeroCapBlocks(t *testing.T) {
	enforcer, err := NewPolicyEnforcer([]Policy{{Kind: "affiliate"}})
	require.NoError(t, err)
	require.ErrorIs(t, enforcer.Validate("affiliate", big.NewInt(1), time.Now()), ErrDailyCapExceeded)
}

func TestNewPolicyEnforcerRejectsBadPolicies(t *testing.T) {
	_, err := NewPolicyEnforcer([]Policy{{Kind: " "}})
	require.ErrorIs(t, err, ErrPolicyInvalid)
	_, err = NewPolicyEnforcer([]Policy{{Kind: "a"}, {Kind: "A"}})
	require.ErrorIs(t, err, ErrPolicyInvalid)
	_, err = NewPolicyEnforcer([]Policy{{Kind: "a", DailyCap: big.NewInt(-1)}})
	require.ErrorIs(t, err, ErrPolicyInvalid)
}
