package shard

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/voicepay-hq/voicepay/pkg/logger"
	"github.com/voicepay-hq/voicepay/pkg/models"
)

// authState holds the single outstanding login nonce for a user.
type authState struct {
	Nonce     string    `json:"nonce,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// nonceTTL bounds how long an issued nonce stays verifiable. An expired
// nonce is cleared on the next verify attempt.
const nonceTTL = 5 * time.Minute

// LoginMessage is the canonical message a wallet signs to authenticate.
// The executor bridge and the dispatcher never see it; it exists only for
// the client login flow.
func LoginMessage(nonce string) string {
	return "Welcome to VoicePay!\n\n" +
		"To securely sign in, please confirm this message.\n\n" +
		"Security code: " + nonce + "\n\n" +
		"This signature will not trigger any blockchain transaction or gas fee."
}

// IssueNonce generates and stores a fresh login nonce, overwriting any
// prior unconsumed one.
func (s *Shard) IssueNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %v", err)
	}
	nonce := hex.EncodeToString(buf)

	err := s.update(func(user *bolt.Bucket) error {
		b := user.Bucket(bucketAuth)
		data, err := json.Marshal(authState{Nonce: nonce, UpdatedAt: time.Now().UTC()})
		if err != nil {
			return err
		}
		return b.Put(keyNonce, data)
	})
	if err != nil {
		return "", err
	}

	s.logger.DebugWith(logger.Auth, "Issued login nonce for user %s", s.addr)
	return nonce, nil
}

// VerifySignature checks an EIP-191 personal signature over the canonical
// login message containing the outstanding nonce. A successful verification
// consumes the nonce; a second verify with the same signature fails with
// ErrNoNonce. A nonce older than nonceTTL is cleared and fails with
// ErrNonceExpired.
func (s *Shard) VerifySignature(signature string) error {
	return s.verifySignatureAt(signature, time.Now().UTC())
}

func (s *Shard) verifySignatureAt(signature string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st authState
	err := s.db.View(func(tx *bolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		if users == nil {
			return nil
		}
		user := users.Bucket([]byte(s.addr))
		if user == nil {
			return nil
		}
		b := user.Bucket(bucketAuth)
		if b == nil {
			return nil
		}
		data := b.Get(keyNonce)
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &st); err != nil {
			return fmt.Errorf("failed to decode auth state: %v", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if st.Nonce == "" {
		return ErrNoNonce
	}
	if now.Sub(st.UpdatedAt) > nonceTTL {
		if err := s.clearNonce(now); err != nil {
			s.logger.ErrorWith(logger.Auth, "Failed to clear expired nonce for user %s: %v", s.addr, err)
		}
		s.logger.NoticeWith(logger.Auth, "Login nonce for user %s expired", s.addr)
		return ErrNonceExpired
	}

	recovered, err := recoverSigner(LoginMessage(st.Nonce), signature)
	if err != nil {
		s.logger.NoticeWith(logger.Auth, "Signature verification failed for user %s: %v", s.addr, err)
		return ErrInvalidSignature
	}
	if models.NormalizeAddress(recovered) != s.addr {
		s.logger.NoticeWith(logger.Auth, "Signature for user %s recovered to %s", s.addr, recovered)
		return ErrInvalidSignature
	}

	// Consume the nonce.
	if err := s.clearNonce(now); err != nil {
		return err
	}

	s.logger.InfoWith(logger.Auth, "User %s authenticated", s.addr)
	return nil
}

// clearNonce drops the stored nonce, keeping the timestamp. Caller holds
// the shard mutex.
func (s *Shard) clearNonce(now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		user, err := s.userBucket(tx)
		if err != nil {
			return err
		}
		b := user.Bucket(bucketAuth)
		data, err := json.Marshal(authState{UpdatedAt: now})
		if err != nil {
			return err
		}
		return b.Put(keyNonce, data)
	})
}

// recoverSigner recovers the address that produced an EIP-191 personal
// signature over msg.
func recoverSigner(msg, signature string) (string, error) {
	sig, err := hexutil.Decode(ensureHexPrefix(signature))
	if err != nil {
		return "", fmt.Errorf("malformed signature: %v", err)
	}
	if len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}

	// Wallets return V as 27/28; go-ethereum expects 0/1.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig = append([]byte(nil), sig...)
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(msg)), sig)
	if err != nil {
		return "", fmt.Errorf("failed to recover public key: %v", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

func ensureHexPrefix(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}
