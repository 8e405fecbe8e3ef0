// 版权所有 2024 VoiceFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package speech 提供语音管线使用的 STT 与 TTS 适配器。

STT 为流式接口：Deepgram 走 WebSocket 实时识别，OpenAI Whisper 通过
BufferedSTT 在 Flush 时批量识别。TTS 接收 LLM 的文本增量，经
SentenceSegmenter 按句切分后请求 ElevenLabs 或 OpenAI，以 20ms PCM 帧输出。

Interrupt 会取消进行中的 HTTP 请求并丢弃尚未合成的文本。
*/
package speech
