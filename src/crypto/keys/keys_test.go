package keys

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestSimpleKeyfile(t *testing.T) {
	dir, err := ioutil.TempDir("", "tether-keys")
	if err != nil {
		t.Fatalf("err: %v ", err)
	}
	defer os.RemoveAll(dir)

	simpleKeyfile := NewSimpleKeyfile(filepath.Join(dir, "priv_key"))

	// Try a read, should get nothing
	key, err := simpleKeyfile.ReadKey()
	if err == nil {
		t.Fatalf("ReadKey should generate an error")
	}
	if key != nil {
		t.Fatalf("key is not nil")
	}

	key, _ = GenerateECDSAKey()
	if err := simpleKeyfile.WriteKey(key); err != nil {
		t.Fatalf("err: %v", err)
	}

	nKey, err := simpleKeyfile.ReadKey()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !reflect.DeepEqual(nKey.D, key.D) {
		t.Fatalf("Keys do not match")
	}
	if !reflect.DeepEqual(FromPublicKey(&nKey.PublicKey), FromPublicKey(&key.PublicKey)) {
		t.Fatalf("Public keys do not match")
	}
}

func TestReadOrCreate(t *testing.T) {
	dir, err := ioutil.TempDir("", "tether-keys")
	if err != nil {
		t.Fatalf("err: %v ", err)
	}
	defer os.RemoveAll(dir)

	kf := NewSimpleKeyfile(filepath.Join(dir, "sub", "priv_key"))

	first, created, err := kf.ReadOrCreate()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !created {
		t.Fatalf("first call should create the key")
	}

	second, created, err := kf.ReadOrCreate()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if created {
		t.Fatalf("second call should read the existing key")
	}
	if first.D.Cmp(second.D) != 0 {
		t.Fatalf("ReadOrCreate returned a different key")
	}
}

func TestFilePermissions(t *testing.T) {
	dir, err := ioutil.TempDir("", "tether-keys")
	if err != nil {
		t.Fatalf("err: %v ", err)
	}
	defer os.RemoveAll(dir)

	file := filepath.Join(dir, "priv_key")
	kf := NewSimpleKeyfile(file)

	key, _ := GenerateECDSAKey()
	if err := kf.WriteKey(key); err != nil {
		t.Fatalf("err: %v", err)
	}

	cases := []struct {
		perm   os.FileMode
		hasErr bool
	}{
		{0700, false},
		{0600, false},
		{0400, false},
		{0640, true},
		{0604, true},
		{0777, true},
	}

	for _, c := range cases {
		if err := os.Chmod(file, c.perm); err != nil {
			t.Fatalf("err: %v", err)
		}
		err := kf.CheckFileInfo()
		if c.hasErr && err == nil {
			t.Fatalf("mode %o should be rejected", c.perm)
		}
		if !c.hasErr && err != nil {
			t.Fatalf("mode %o should be accepted: %v", c.perm, err)
		}
	}
}

func TestPublicKeyEncoding(t *testing.T) {
	key, _ := GenerateECDSAKey()

	pub := FromPublicKey(&key.PublicKey)
	if len(pub) != 33 {
		t.Fatalf("compressed public key should be 33 bytes, not %d", len(pub))
	}

	parsed, err := ToPublicKey(pub)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if parsed.X.Cmp(key.X) != 0 || parsed.Y.Cmp(key.Y) != 0 {
		t.Fatalf("parsed public key does not match")
	}

	if _, err := ToPublicKey([]byte{0x02, 0x01}); err == nil {
		t.Fatalf("truncated key should not parse")
	}
}

func TestNodeID(t *testing.T) {
	key, _ := GenerateECDSAKey()

	id := NodeID(&key.PublicKey)
	if len(id) != 2*NodeIDSize {
		t.Fatalf("node id should be %d hex chars, got %q", 2*NodeIDSize, id)
	}
	if id != NodeID(&key.PublicKey) {
		t.Fatalf("node id is not stable")
	}

	other, _ := GenerateECDSAKey()
	if id == NodeID(&other.PublicKey) {
		t.Fatalf("distinct keys should have distinct node ids")
	}
}

func TestPrivateKeyDump(t *testing.T) {
	key, _ := GenerateECDSAKey()

	dump := DumpPrivateKey(key)
	if len(dump) != 32 {
		t.Fatalf("dump should be 32 bytes, not %d", len(dump))
	}

	parsed, err := ParsePrivateKey(dump)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if parsed.D.Cmp(key.D) != 0 || parsed.X.Cmp(key.X) != 0 {
		t.Fatalf("parsed private key does not match")
	}

	if _, err := ParsePrivateKey(make([]byte, 32)); err == nil {
		t.Fatalf("zero key should be rejected")
	}
	if _, err := ParsePrivateKey(make([]byte, 16)); err == nil {
		t.Fatalf("short key should be rejected")
	}
}

func TestSharedSecret(t *testing.T) {
	a, _ := GenerateECDSAKey()
	b, _ := GenerateECDSAKey()

	ab, err := SharedSecret(a, &b.PublicKey)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	ba, err := SharedSecret(b, &a.PublicKey)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if !bytes.Equal(ab, ba) {
		t.Fatalf("both sides should agree on the shared secret")
	}
	if len(ab) != 32 {
		t.Fatalf("shared secret should be 32 bytes, not %d", len(ab))
	}
}
