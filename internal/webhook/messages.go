package webhook

// Replies sent straight from the webhook.
const (
	welcomeText = "👋 Welcome to *Mira* - Your AI Data Analyst!\n\n" +
		"Please send me a CSV file to analyze. I can:\n\n" +
		"📊 Analyze trends and patterns\n" +
		"📈 Perform statistical analysis\n" +
		"🌐 Research external context\n" +
		"📄 Generate beautiful PDF reports\n\n" +
		"Just send your CSV to get started!"

	csvReceivedText = "🤖 Received your CSV! Analyzing data...\n\n" +
		"This will take 3-5 minutes. I'm:\n" +
		"• Setting up secure analysis environment\n" +
		"• Running Python analysis\n" +
		"• Detecting trends\n" +
		"• Searching the web for context\n" +
		"• Generating your report\n\n" +
		"I'll send you the PDF when ready! ⏳"

	followUpText = "🤖 Analyzing your request...\n\n" +
		"Processing with context from your previous CSV. This will take a few minutes..."

	downloadFailedText = "❌ Sorry, I couldn't download the CSV file. Please try again."
	notCSVText         = "❌ Please send a CSV file. Other document types are not supported."
	mediaText          = "❌ Please send a CSV file for analysis. Media files are not supported."
	startFailedText    = "❌ Sorry, something went wrong while starting your analysis. Please try again."

	uploadedTurn   = "Uploaded CSV file"
	defaultRequest = "Analyze this data and provide comprehensive insights"
)
