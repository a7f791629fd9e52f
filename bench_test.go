package archiver_test

import (
	"strings"
	"testing"

	archiver "github.com/MichaelAJay/go-archiver"
)

// benchmarkData contains graphs of varying sizes for benchmarks.
var benchmarkData = []struct {
	name string
	data any
}{
	{
		name: "SmallString",
		data: "hello world",
	},
	{
		name: "LargeString",
		data: strings.Repeat("This is a test string for performance benchmarking. ", 10000),
	},
	{
		name: "SmallStruct",
		data: address{Street: "12 St James Square", City: "London"},
	},
	{
		name: "LargeStruct",
		data: func() person {
			emails := make([]string, 1000)
			for i := range emails {
				emails[i] = "user@example.com"
			}
			ratings := make(map[string]int)
			for i := 0; i < 100; i++ {
				ratings[string(rune('a'+i))] = i
			}
			nick := "bench"
			return person{
				Name:    "benchmark test data",
				Age:     12345,
				Emails:  emails,
				Ratings: ratings,
				Home:    address{Street: "street", City: "city"},
				Nick:    &nick,
			}
		}(),
	},
	{
		name: "PointerGraph",
		data: func() *TreeNode {
			root := &TreeNode{Value: 0}
			cur := root
			for i := 1; i < 50; i++ {
				child := &TreeNode{Value: i, Parent: cur}
				cur.Children = []*TreeNode{child}
				cur = child
			}
			return root
		}(),
	},
}

func BenchmarkSerialize(b *testing.B) {
	for _, f := range formats {
		for _, bd := range benchmarkData {
			b.Run(f.name+"/"+bd.name, func(b *testing.B) {
				s := newSerializer(b, f.format)

				b.ResetTimer()
				b.ReportAllocs()

				for i := 0; i < b.N; i++ {
					if _, err := s.Serialize(bd.data); err != nil {
						b.Fatalf("Serialize failed: %v", err)
					}
				}
			})
		}
	}
}

func BenchmarkDeserializeString(b *testing.B) {
	for _, f := range formats {
		b.Run(f.name, func(b *testing.B) {
			s := newSerializer(b, f.format)
			data, err := s.Serialize("hello world")
			if err != nil {
				b.Fatalf("Serialize failed: %v", err)
			}

			b.ResetTimer()
			b.ReportAllocs()

			for i := 0; i < b.N; i++ {
				if _, err := archiver.DeserializeData[string](s, data); err != nil {
					b.Fatalf("Deserialize failed: %v", err)
				}
			}
		})
	}
}

func BenchmarkDeserializeStruct(b *testing.B) {
	value := benchmarkData[3].data.(person)
	for _, f := range formats {
		b.Run(f.name, func(b *testing.B) {
			s := newSerializer(b, f.format)
			data, err := s.Serialize(value)
			if err != nil {
				b.Fatalf("Serialize failed: %v", err)
			}

			b.ResetTimer()
			b.ReportAllocs()

			for i := 0; i < b.N; i++ {
				if _, err := archiver.DeserializeData[person](s, data); err != nil {
					b.Fatalf("Deserialize failed: %v", err)
				}
			}
		})
	}
}

func BenchmarkDeserializePointerGraph(b *testing.B) {
	value := benchmarkData[4].data.(*TreeNode)
	for _, f := range formats {
		b.Run(f.name, func(b *testing.B) {
			s := newSerializer(b, f.format)
			data, err := s.Serialize(value)
			if err != nil {
				b.Fatalf("Serialize failed: %v", err)
			}

			b.ResetTimer()
			b.ReportAllocs()

			for i := 0; i < b.N; i++ {
				if _, err := archiver.DeserializeData[*TreeNode](s, data); err != nil {
					b.Fatalf("Deserialize failed: %v", err)
				}
			}
		})
	}
}
