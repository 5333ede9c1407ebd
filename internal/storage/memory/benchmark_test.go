package memory

import (
	"fmt"
	"testing"
	"time"

	"tempinbox/backend/internal/domain"
)

func BenchmarkMemoryStore_Create(b *testing.B) {
	store := NewStore()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.Create(fmt.Sprintf("test%d@temp.mail", i), time.Hour)
	}
}

func BenchmarkMemoryStore_Append(b *testing.B) {
	store := NewStore()
	_, _ = store.Create("bench@temp.mail", time.Hour)
	msg := &domain.Message{From: "sender@example.com", Subject: "Test Subject"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.Append("bench@temp.mail", msg)
	}
}

func BenchmarkMemoryStore_List(b *testing.B) {
	store := NewStore()
	_, _ = store.Create("bench@temp.mail", time.Hour)
	for i := 0; i < 100; i++ {
		_, _ = store.Append("bench@temp.mail", &domain.Message{
			From:    fmt.Sprintf("sender%d@example.com", i),
			Subject: fmt.Sprintf("Test Subject %d", i),
		})
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.List("bench@temp.mail")
	}
}

func BenchmarkMemoryStore_ConcurrentAppend(b *testing.B) {
	store := NewStore()
	for i := 0; i < 64; i++ {
		_, _ = store.Create(fmt.Sprintf("box%d@temp.mail", i), time.Hour)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			address := fmt.Sprintf("box%d@temp.mail", i%64)
			_, _ = store.Append(address, &domain.Message{From: "a@b.com", Subject: "parallel"})
			i++
		}
	})
}

func BenchmarkMemoryStore_Expired(b *testing.B) {
	store := NewStore()
	for i := 0; i < 1000; i++ {
		_, _ = store.Create(fmt.Sprintf("test%d@temp.mail", i), time.Duration(i)*time.Second)
	}
	now := time.Now().Add(500 * time.Second)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = store.Expired(now)
	}
}
