package rcache

import "testing"

func TestKeyShardIndex(t *testing.T) {
	cases := []struct {
		key  Key
		want uint8
	}{
		{0, 0},
		{1, 0},
		{Key(0xff) << 56, 0xff},
		{Key(0x2a)<<56 | 0x1234, 0x2a},
	}
	for _, c := range cases {
		if got := c.key.ShardIndex(); got != c.want {
			t.Errorf("Key(%x).ShardIndex() = %d, want %d", uint64(c.key), got, c.want)
		}
	}
}

func TestShardHexName(t *testing.T) {
	cases := map[uint8]string{0: "00", 1: "01", 0xa: "0a", 0xff: "ff", 0x10: "10"}
	for idx, want := range cases {
		if got := shardHexName(idx); got != want {
			t.Errorf("shardHexName(%d) = %q, want %q", idx, got, want)
		}
	}
}

func TestTileOwningShard(t *testing.T) {
	if got := tileOwningShard(0); got != 0 {
		t.Errorf("tileOwningShard(0) = %d, want 0", got)
	}
	if got := tileOwningShard(256); got != 0 {
		t.Errorf("tileOwningShard(256) = %d, want 0", got)
	}
	if got := tileOwningShard(257); got != 1 {
		t.Errorf("tileOwningShard(257) = %d, want 1", got)
	}
}

func TestEncodedTileIDRoundTrip(t *testing.T) {
	id := encodeTileID(7, 900)
	file, tile := id.split()
	if file != 7 || tile != 900 {
		t.Fatalf("split() = (%d, %d), want (7, 900)", file, tile)
	}
	if got := id.owningShard(); got != tileOwningShard(900) {
		t.Fatalf("owningShard() = %d, want %d", got, tileOwningShard(900))
	}
}
