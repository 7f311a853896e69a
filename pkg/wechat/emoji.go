package wechat

import (
	"sort"
	"strings"
)

// WeChat renders smileys as bracketed aliases ("[微笑]", "[Smile]") instead
// of Unicode emoji. The tables below cover the built-in set; both the Chinese
// and the English alias map to the same codepoint.

var aliasToEmoji = map[string]string{
	"微笑": "🙂", "Smile": "🙂",
	"撇嘴": "😦", "Grimace": "😦",
	"色": "😍", "Drool": "😍",
	"发呆": "😳", "Scowl": "😳",
	"得意": "😎", "CoolGuy": "😎",
	"流泪": "😭", "Sob": "😭",
	"害羞": "☺️", "Shy": "☺️",
	"闭嘴": "🤐", "Shutup": "🤐",
	"睡": "😴", "Sleep": "😴",
	"大哭": "😢", "Cry": "😢",
	"尴尬": "😅", "Awkward": "😅",
	"发怒": "😡", "Angry": "😡",
	"调皮": "😜", "Tongue": "😜",
	"呲牙": "😁", "Grin": "😁",
	"惊讶": "😲", "Surprise": "😲",
	"难过": "🙁", "Frown": "🙁",
	"囧": "😖", "Tension": "😖",
	"抓狂": "😫", "Scream": "😫",
	"吐": "🤮", "Puke": "🤮",
	"偷笑": "🤭", "Chuckle": "🤭",
	"愉快": "☺️", "Joyful": "☺️",
	"白眼": "🙄", "Slight": "🙄",
	"傲慢": "😕", "Smug": "😕",
	"困": "😪", "Drowsy": "😪",
	"惊恐": "😱", "Panic": "😱",
	"流汗": "😓", "Sweat": "😓",
	"憨笑": "😄", "Laugh": "😄",
	"悠闲": "🙂", "Commando": "🙂",
	"奋斗": "💪", "Determined": "💪",
	"咒骂": "🤬", "Scold": "🤬",
	"疑问": "❓", "Shocked": "❓",
	"嘘": "🤫", "Shhh": "🤫",
	"晕": "😵", "Dizzy": "😵",
	"衰": "😳", "Toasted": "😳",
	"骷髅": "💀", "Skull": "💀",
	"敲打": "👊", "Hammer": "👊",
	"再见": "👋", "Wave": "👋",
	"擦汗": "😅", "Speechless": "😅",
	"抠鼻": "🖕", "NosePick": "🖕",
	"鼓掌": "👏", "Clap": "👏",
	"坏笑": "😏", "Trick": "😏",
	"左哼哼": "😤", "Bah！L": "😤",
	"右哼哼": "😤", "Bah！R": "😤",
	"哈欠": "🥱", "Yawn": "🥱",
	"鄙视": "😒", "Lookdown": "😒",
	"委屈": "😞", "Wronged": "😞",
	"快哭了": "😥", "Puling": "😥",
	"阴险": "😈", "Sly": "😈",
	"亲亲": "😘", "Kiss": "😘",
	"可怜": "🥺", "Whimper": "🥺",
	"笑脸": "😄", "Happy": "😄",
	"生病": "😷", "Sick": "😷",
	"脸红": "😊", "Flushed": "😊",
	"破涕为笑": "😂", "Lol": "😂",
	"恐惧": "😨", "Terror": "😨",
	"失望": "😞", "LetDown": "😞",
	"无语": "😑", "Duh": "😑",
	"嘿哈": "😬", "Hey": "😬",
	"捂脸": "🤦", "Facepalm": "🤦",
	"奸笑": "😏", "Smirk": "😏",
	"机智": "🤓", "Smart": "🤓",
	"皱眉": "😟", "Concerned": "😟",
	"耶": "✌️", "Yeah!": "✌️",
	"吃瓜": "🍉", "Onlooker": "🍉",
	"加油": "💪", "GoForIt": "💪",
	"汗": "😓", "Sweats": "😓",
	"天啊": "😱", "OMG": "😱",
	"Emm": "🤔",
	"社会社会": "🤝", "Respect": "🤝",
	"旺柴": "🐶", "Doge": "🐶",
	"好的": "👌", "NoProb": "👌",
	"打脸": "😣", "MyBad": "😣",
	"哇": "🤩", "Wow": "🤩",
	"翻白眼": "🙄", "Boring": "🙄",
	"666": "👍",
	"让我看看": "👀", "LetMeSee": "👀",
	"叹气": "😮‍💨", "Sigh": "😮‍💨",
	"苦涩": "😔", "Hurt": "😔",
	"裂开": "💔", "Broken": "💔",
	"嘴唇": "💋", "Lips": "💋",
	"爱心": "❤️", "Heart": "❤️",
	"心碎": "💔", "BrokenHeart": "💔",
	"拥抱": "🤗", "Hug": "🤗",
	"强": "👍", "ThumbsUp": "👍",
	"弱": "👎", "ThumbsDown": "👎",
	"握手": "🤝", "Shake": "🤝",
	"胜利": "✌️", "Peace": "✌️",
	"抱拳": "🙏", "Salute": "🙏",
	"勾引": "🫵", "Beckon": "🫵",
	"拳头": "✊", "Fist": "✊",
	"OK": "👌",
	"合十": "🙏", "Worship": "🙏",
	"啤酒": "🍺", "Beer": "🍺",
	"咖啡": "☕", "Coffee": "☕",
	"蛋糕": "🎂", "Cake": "🎂",
	"玫瑰": "🌹", "Rose": "🌹",
	"凋谢": "🥀", "Wilt": "🥀",
	"菜刀": "🔪", "Cleaver": "🔪",
	"炸弹": "💣", "Bomb": "💣",
	"便便": "💩", "Poop": "💩",
	"月亮": "🌙", "Moon": "🌙",
	"太阳": "☀️", "Sun": "☀️",
	"庆祝": "🎉", "Party": "🎉",
	"礼物": "🎁", "Gift": "🎁",
	"红包": "🧧", "Packet": "🧧",
	"發": "🀅", "Rich": "🀅",
	"福": "🧧", "Blessing": "🧧",
	"烟花": "🎆", "Fireworks": "🎆",
	"爆竹": "🧨", "Firecracker": "🧨",
	"猪头": "🐷", "Pig": "🐷",
	"跳跳": "🕺", "Waddle": "🕺",
	"发抖": "🥶", "Tremble": "🥶",
	"转圈": "💫", "Twirl": "💫",
}

var emojiToAlias = func() map[string]string {
	aliases := make([]string, 0, len(aliasToEmoji))
	for alias := range aliasToEmoji {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	m := make(map[string]string, len(aliasToEmoji))
	for _, alias := range aliases {
		e := aliasToEmoji[alias]
		// prefer the Chinese alias; WeChat renders both but the zh form is
		// what native clients emit
		if prev, ok := m[e]; !ok || (isASCIIAlias(prev) && !isASCIIAlias(alias)) {
			m[e] = alias
		}
	}
	return m
}()

func isASCIIAlias(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// ExpandAliases rewrites WeChat bracket aliases in text to Unicode emoji,
// leaving unknown brackets untouched.
func ExpandAliases(text string) string {
	if !strings.Contains(text, "[") {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	for {
		open := strings.IndexByte(text, '[')
		if open < 0 {
			b.WriteString(text)
			return b.String()
		}
		close := strings.IndexByte(text[open:], ']')
		if close < 0 {
			b.WriteString(text)
			return b.String()
		}
		alias := text[open+1 : open+close]
		if e, ok := aliasToEmoji[alias]; ok {
			b.WriteString(text[:open])
			b.WriteString(e)
		} else {
			b.WriteString(text[:open+close+1])
		}
		text = text[open+close+1:]
	}
}

// CollapseEmoji rewrites Unicode emoji that have a WeChat alias back to the
// bracket form, so native WeChat clients render them as built-in smileys.
func CollapseEmoji(text string) string {
	for e, alias := range emojiToAlias {
		if strings.Contains(text, e) {
			text = strings.ReplaceAll(text, e, "["+alias+"]")
		}
	}
	return text
}
