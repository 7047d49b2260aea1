package state

import (
	"fmt"

	"github.com/google/uuid"
)

// AssetID is a compact asset identifier registered at vault creation.
type AssetID uint16

// Seed tags mirror the deterministic account derivation of the on-chain
// layout: every record address is recomputable from its seed plus the
// owning identifiers, so no lookup table exists anywhere.
type Seed string

const (
	SeedProtocol       Seed = "protocol_v01"
	SeedEarnConfig     Seed = "config_earn_v01"
	SeedLeverageConfig Seed = "config_leverage_v01"
	SeedEarnVault      Seed = "vault_earn_v01"
	SeedLender         Seed = "lender_v01"
	SeedLeverageVault  Seed = "vault_leverage_v01"
	SeedObligation     Seed = "obligation_v01"
	SeedStats          Seed = "stats_v01"
)

// RecordKey is the composite key locating one ledger record. Asset is the
// owning asset (the collateral asset for pair-scoped records), Native the
// second asset of a pair (zero otherwise), Owner the user identity (zero
// for protocol-scoped records). Usable directly as a map key.
type RecordKey struct {
	Seed   Seed
	Asset  AssetID
	Native AssetID
	Owner  uuid.UUID
}

func (k RecordKey) String() string {
	return fmt.Sprintf("%s:%d:%d:%s", k.Seed, k.Asset, k.Native, k.Owner)
}

func ProtocolKey() RecordKey {
	return RecordKey{Seed: SeedProtocol}
}

func EarnConfigKey(asset AssetID) RecordKey {
	return RecordKey{Seed: SeedEarnConfig, Asset: asset}
}

func EarnVaultKey(asset AssetID) RecordKey {
	return RecordKey{Seed: SeedEarnVault, Asset: asset}
}

func LenderKey(asset AssetID, owner uuid.UUID) RecordKey {
	return RecordKey{Seed: SeedLender, Asset: asset, Owner: owner}
}

func LeverageConfigKey(collateral, native AssetID) RecordKey {
	return RecordKey{Seed: SeedLeverageConfig, Asset: collateral, Native: native}
}

func LeverageVaultKey(collateral, native AssetID) RecordKey {
	return RecordKey{Seed: SeedLeverageVault, Asset: collateral, Native: native}
}

func ObligationKey(collateral, native AssetID, owner uuid.UUID) RecordKey {
	return RecordKey{Seed: SeedObligation, Asset: collateral, Native: native, Owner: owner}
}

func StatsKey(collateral, native AssetID) RecordKey {
	return RecordKey{Seed: SeedStats, Asset: collateral, Native: native}
}
