package embedding

import (
	"context"
	"fmt"
	"testing"
)

func BenchmarkMockProvider_Embed(b *testing.B) {
	p := NewMockProvider("mock", 384)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = p.Embed("benchmark query text for embedding")
	}
}

func BenchmarkChain_Embed(b *testing.B) {
	texts := make([]string, 500)
	for i := range texts {
		texts[i] = fmt.Sprintf("benchmark text number %d about calculus and chemistry", i)
	}
	ctx := context.Background()
	for _, cache := range []int{0, 1000} {
		b.Run(fmt.Sprintf("cache=%d", cache), func(b *testing.B) {
			c := NewChain(WithCache(cache))
			if err := c.Add(NewMockProvider("mock", 384)); err != nil {
				b.Fatal(err)
			}
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := c.Embed(ctx, texts, EmbedOptions{}); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
