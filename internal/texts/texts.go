// Package texts holds every message a user can receive from the bots.
package texts

import "strings"

const (
	Welcome = "👋 Welcome to TeraBox Downloader Bot!\n\n" +
		"📥 Send me a TeraBox link and I'll download and upload the video for you.\n\n" +
		"✅ Valid link formats:\n• Links containing /s/\n• Links containing ?surl=\n\n" +
		"⚡️ Fast, reliable, and free!"

	InvalidLink    = "❌ Invalid TeraBox link!\n\nPlease send a valid TeraBox link containing:\n• /s/ OR\n• ?surl="
	Processing     = "⏳ Processing your request...\nPlease wait while we download and upload your video."
	DuplicateFound = "✅ This video was already downloaded!\nSending you the cached version..."
	Success        = "✅ Video uploaded successfully!"

	ErrProcessing     = "❌ Error processing your request. Please try again later."
	ErrDownloadFailed = "❌ Download failed. The video may be unavailable or the link is expired."
	ErrUploadFailed   = "❌ Upload failed. Please try again."

	notSubscribed = "❌ You must join our channel to use this bot!\n\n👉 Join: {link}\n\nAfter joining, send /start again."
)

// NotSubscribed is the force-subscribe refusal pointing at link.
func NotSubscribed(link string) string {
	if strings.TrimSpace(link) == "" {
		link = "the channel"
	}
	return strings.Replace(notSubscribed, "{link}", link, 1)
}
