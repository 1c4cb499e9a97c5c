package token

import (
	"testing"
	"time"
)

func newBenchManager(b *testing.B) *Manager {
	b.Helper()

	m, err := NewManager(Config{
		AccessSecret:  testAccessSecret,
		RefreshSecret: testRefreshSecret,
		AccessTTL:     time.Hour,
		RefreshTTL:    24 * time.Hour,
		Issuer:        "authcore-bench",
		Audience:      "authcore-bench-api",
		Leeway:        30 * time.Second,
	})
	if err != nil {
		b.Fatalf("manager: %v", err)
	}
	return m
}

func BenchmarkIssueAccess(b *testing.B) {
	m := newBenchManager(b)
	claims := testClaims("fp-bench")

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := m.Issue(KindAccess, claims); err != nil {
			b.Fatalf("issue failed: %v", err)
		}
	}
}

func BenchmarkVerifyAccess(b *testing.B) {
	m := newBenchManager(b)

	signed, _, err := m.Issue(KindAccess, testClaims("fp-bench"))
	if err != nil {
		b.Fatalf("issue failed: %v", err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := m.Verify(signed, "fp-bench", KindAccess); err != nil {
			b.Fatalf("verify failed: %v", err)
		}
	}
}

func BenchmarkVerifyAccessParallel(b *testing.B) {
	m := newBenchManager(b)

	signed, _, err := m.Issue(KindAccess, testClaims("fp-bench"))
	if err != nil {
		b.Fatalf("issue failed: %v", err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := m.Verify(signed, "fp-bench", KindAccess); err != nil {
				b.Fatalf("verify failed: %v", err)
			}
		}
	})
}
