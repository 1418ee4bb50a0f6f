package address

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

var (
	// ErrNoMasterKey means no watch-only extended public key was configured.
	ErrNoMasterKey = errors.New("address: master public key not configured")
	// ErrDerivation means the configured key material is malformed or a
	// child key cannot be derived from it.
	ErrDerivation = errors.New("address: key derivation failed")
)

// Deriver turns (master xpub, purpose branch, index) into a P2WPKH receiving
// address. Derivation is pure: no network calls, no state.
type Deriver struct {
	master *hdkeychain.ExtendedKey
	params *chaincfg.Params

	// coinType is the BIP44 coin type of the configured network, used only
	// when reporting derivation paths.
	coinType uint32
}

// NewDeriver parses the watch-only extended public key. The key is expected
// at the account level; per-purpose branches and indices are derived below it.
func NewDeriver(xpub string, network string) (*Deriver, error) {
	if xpub == "" {
		return nil, ErrNoMasterKey
	}

	params := &chaincfg.MainNetParams
	coinType := uint32(0)
	switch network {
	case "", "mainnet":
	case "testnet", "testnet3":
		params = &chaincfg.TestNet3Params
		coinType = 1
	case "regtest":
		params = &chaincfg.RegressionNetParams
		coinType = 1
	default:
		return nil, fmt.Errorf("address: unknown network %q", network)
	}

	master, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return nil, fmt.Errorf("%w: parse xpub: %v", ErrDerivation, err)
	}
	if master.IsPrivate() {
		// Watch-only by contract; a private key here is an operator mistake.
		return nil, fmt.Errorf("%w: private key supplied where xpub expected", ErrDerivation)
	}

	return &Deriver{master: master, params: params, coinType: coinType}, nil
}

// Derive computes the receiving address for a purpose branch and index and
// returns it with its derivation path. Only branch/index are derived here,
// relative to the configured xpub; the hardened m/84'/coin'/0' prefix records
// where that account key is assumed to sit, with the coin type following the
// configured network.
func (d *Deriver) Derive(purpose Purpose, index uint32) (addr string, path string, err error) {
	branch, ok := purpose.branch()
	if !ok {
		return "", "", fmt.Errorf("address: unknown purpose %q", purpose)
	}

	branchKey, err := d.master.Derive(branch)
	if err != nil {
		return "", "", fmt.Errorf("%w: branch %d: %v", ErrDerivation, branch, err)
	}
	childKey, err := branchKey.Derive(index)
	if err != nil {
		return "", "", fmt.Errorf("%w: index %d: %v", ErrDerivation, index, err)
	}

	pubKey, err := childKey.ECPubKey()
	if err != nil {
		return "", "", fmt.Errorf("%w: pubkey at %d/%d: %v", ErrDerivation, branch, index, err)
	}

	witness, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pubKey.SerializeCompressed()), d.params)
	if err != nil {
		return "", "", fmt.Errorf("%w: encode address: %v", ErrDerivation, err)
	}

	return witness.EncodeAddress(), fmt.Sprintf("m/84'/%d'/0'/%d/%d", d.coinType, branch, index), nil
}
