package completion

import (
	"fmt"
	"strings"
)

// refusalPhrase is the exact line the model is told to emit when the
// victim's messages cannot answer the question. It never leaves this package.
const refusalPhrase = "User input required."

// Incident is the victim-supplied facts the opening summary restates.
type Incident struct {
	Situation       string
	Location        string
	NumberOfThreats int
}

// buildSummaryPrompt asks for a calm, factual restatement of the incident
// with nothing added.
func buildSummaryPrompt(inc Incident) string {
	var b strings.Builder
	b.WriteString("You are WhisprNet, a voice assistant conveying an urgent emergency message on behalf of a user in distress.\n\n")
	b.WriteString("Your task is to generate a short, factual, and calm message starting with:\n")
	b.WriteString("\"I am WhisprNet, a voice assistant conveying an urgent message from a user in need.\"\n\n")
	b.WriteString("Then summarize the emergency using ONLY the data provided below. ")
	b.WriteString("Do NOT add any suggestions, warnings, emotional tone, or extra details. Use exact values.\n\n")
	fmt.Fprintf(&b, "Situation: %q\n", inc.Situation)
	fmt.Fprintf(&b, "Location: %q\n", inc.Location)
	fmt.Fprintf(&b, "Number of threats reported: %d\n\n", inc.NumberOfThreats)
	b.WriteString("Respond in a single paragraph.")
	return b.String()
}

// buildImpersonationPrompt asks the model to answer the responder in the
// victim's voice using only their own messages.
func buildImpersonationPrompt(question string, userMessages []string) string {
	var b strings.Builder
	b.WriteString("You are simulating the user's voice only. ")
	fmt.Fprintf(&b, "Responder asked: %q. ", question)
	b.WriteString("Based strictly on the user's past messages below, reply in first person as the user. ")
	b.WriteString("Do not guess, invent, or add details. Only respond with information clearly present in the user messages. ")
	fmt.Fprintf(&b, "If you cannot infer the response confidently or there is no context in the past user messages, reply exactly with: '%s'\n", refusalPhrase)
	b.WriteString("---\nUser Messages:\n")
	b.WriteString(strings.Join(userMessages, "\n"))
	b.WriteString("\n---")
	return b.String()
}

// buildJudgePrompt asks whether the transcript names the victim, the kind
// of emergency, and a specific location.
func buildJudgePrompt(transcript []string, location string) string {
	var b strings.Builder
	b.WriteString("Analyze the chat history below. Only return \"valid\": \"Yes\" if all three details are clearly and explicitly present in the user's messages: ")
	b.WriteString("(1) the user's name, (2) the type of emergency or threat, and (3) a specific location. ")
	b.WriteString("Do not infer or guess missing information. ")
	b.WriteString("Also return a short emergency summary based only on the facts mentioned. ")
	b.WriteString("If any one of the three is missing, return \"valid\": \"No\". ")
	b.WriteString("Respond in this strict JSON format: {\"valid\": \"...\", \"reason\": \"...\", \"summary\": \"...\"}.")
	b.WriteString(" Chat:\n")
	b.WriteString(strings.Join(transcript, "\n"))
	b.WriteString("\n\nLocation:\n")
	b.WriteString(location)
	return b.String()
}

// buildAnswerPrompt asks a factual question of the transcript on behalf of
// a third-party observer.
func buildAnswerPrompt(sessionID, question string, userMessages []string) string {
	var b strings.Builder
	b.WriteString("You are WhisprNet AI assisting a concerned emergency contact. ")
	b.WriteString("Based on the messages from the user in this emergency session, answer the contact's question factually. ")
	b.WriteString("Do not guess, invent, or provide suggestions. Only respond with clearly known facts.\n\n")
	fmt.Fprintf(&b, "Session ID: %s\n", sessionID)
	b.WriteString("User Messages:\n")
	b.WriteString(strings.Join(userMessages, "\n"))
	fmt.Fprintf(&b, "\nContact Question: %q\nAnswer:", question)
	return b.String()
}
