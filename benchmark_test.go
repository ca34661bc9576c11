package sftpsync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/spf13/afero"
)

func BenchmarkPlan(b *testing.B) {
	now := time.Now()
	local := &Snapshot{Files: make(map[string]FileInfo)}
	remote := &Snapshot{Files: make(map[string]FileInfo)}
	for i := 0; i < 1000; i++ {
		rel := fmt.Sprintf("dir%d/file%d.txt", i%10, i)
		local.Files[rel] = FileInfo{RelPath: rel, Size: int64(i), ModTime: now}
		if i%2 == 0 {
			remote.Files[rel] = FileInfo{RelPath: rel, Size: int64(i), ModTime: now}
		}
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Plan(local, remote, SyncOptions{DeleteRemote: true})
	}
}

func BenchmarkIdentityKey(b *testing.B) {
	host := HostConfig{
		Host: "target.internal",
		User: "deploy",
		Hops: []HopConfig{{Host: "bastion.example"}, {Host: "inner.example"}},
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		identityKey(host)
	}
}

func BenchmarkBuildChunks(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buildChunks(10*1024*1024*1024, 10*1024*1024)
	}
}

func BenchmarkPoolLeaseRelease(b *testing.B) {
	pool, _ := newTestPool(newFakeRemote(), 4)
	defer pool.Close()

	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s, err := pool.Lease(ctx, testHost)
		if err != nil {
			b.Fatal(err)
		}
		pool.Release(s)
	}
}

func BenchmarkTransferFileStream(b *testing.B) {
	remote := newFakeRemote()
	pool, _ := newTestPool(remote, 4)
	defer pool.Close()

	fs := afero.NewMemMapFs()
	exec := NewExecutor(pool, fs, TransferOptions{}, nil)

	data := testPattern(256 * 1024)
	if err := afero.WriteFile(fs, "/src/bench.bin", data, 0o644); err != nil {
		b.Fatal(err)
	}

	ctx := context.Background()
	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := exec.TransferFile(ctx, testHost, "/src/bench.bin", "/dst/bench.bin", DirectionUpload, nil); err != nil {
			b.Fatal(err)
		}
	}
}
