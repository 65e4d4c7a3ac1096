package engine

// PhaseSequence is the fixed order every room walks through. Rooms only
// carry a cursor into it.
var PhaseSequence = []PhaseStep{
	{Phase: PhaseStatement1, Kind: KindStatement, Label: "1차 진술"},
	{Phase: PhaseDiscussion1, Kind: KindDiscussion, Label: "1차 토론"},
	{Phase: PhaseStatement2, Kind: KindStatement, Label: "2차 진술"},
	{Phase: PhaseDiscussion2, Kind: KindDiscussion, Label: "2차 토론"},
	{Phase: PhaseVote, Kind: KindVote, Label: "투표"},
}

// LastPhaseIndex is the terminal cursor value (vote).
var LastPhaseIndex = len(PhaseSequence) - 1

// nextTurn is the turn that opens a phase of the given kind.
var nextTurn = map[Kind]Turn{
	KindStatement:  TurnHuman,
	KindDiscussion: TurnHuman,
	KindVote:       TurnVoting,
}
