package speech

import (
	"strings"
	"unicode"
)

// SentenceSegmenter 把 LLM 文本增量切成句子，使 TTS 不必等待完整回复。
// '.' 只有后接空白才算句末，避免把 "3.5" 切开。
type SentenceSegmenter struct {
	buf []rune
}

func NewSentenceSegmenter() *SentenceSegmenter {
	return &SentenceSegmenter{}
}

// Push 追加增量并返回已完整的句子
func (s *SentenceSegmenter) Push(delta string) []string {
	s.buf = append(s.buf, []rune(delta)...)
	var out []string
	start := 0
	for i := 0; i < len(s.buf); i++ {
		r := s.buf[i]
		end := false
		switch r {
		case '!', '?', '。', '！', '？', '\n':
			end = true
		case '.':
			if i+1 < len(s.buf) && unicode.IsSpace(s.buf[i+1]) {
				end = true
			}
		}
		if !end {
			continue
		}
		// 连续的结束符归入同一句
		for i+1 < len(s.buf) && isTerminal(s.buf[i+1]) {
			i++
		}
		if sentence := strings.TrimSpace(string(s.buf[start : i+1])); sentence != "" {
			out = append(out, sentence)
		}
		start = i + 1
	}
	s.buf = append(s.buf[:0], s.buf[start:]...)
	return out
}

// Flush 返回剩余文本并清空
func (s *SentenceSegmenter) Flush() string {
	rest := strings.TrimSpace(string(s.buf))
	s.buf = s.buf[:0]
	return rest
}

// Reset 丢弃缓冲
func (s *SentenceSegmenter) Reset() { s.buf = s.buf[:0] }

func isTerminal(r rune) bool {
	switch r {
	case '!', '?', '。', '！', '？', '.':
		return true
	}
	return false
}
