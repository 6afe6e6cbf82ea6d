package batch

// WhisperLanguages are the ISO 639-1 codes understood by Whisper models, which
// both the whisper.cpp server and the OpenAI transcription API run.
var WhisperLanguages = []string{
	"af", "ar", "az", "be", "bg", "bs", "ca", "cs", "cy", "da", "de", "el",
	"en", "es", "et", "fa", "fi", "fr", "gl", "he", "hi", "hr", "hu", "hy",
	"id", "is", "it", "ja", "kk", "kn", "ko", "lt", "lv", "mi", "mk", "mr",
	"ms", "ne", "nl", "no", "pl", "pt", "ro", "ru", "sk", "sl", "sr", "sv",
	"sw", "ta", "th", "tl", "tr", "uk", "ur", "vi", "zh",
}
